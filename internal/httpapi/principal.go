package httpapi

import (
	"slices"
	"strings"

	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

const claimsContextKey = "auth_claims"

type principalResolver struct {
	adminRole   string
	adminEmails []string
}

// resolve maps session claims to a voting principal. Administrators carry the configured role
// or one of the configured e-mail addresses.
func (resolver principalResolver) resolve(claims *sessionvalidator.Claims) (voting.Principal, error) {
	if claims == nil {
		return voting.Principal{}, voting.ErrNotAuthenticated
	}
	userID, err := voting.NewUserID(claims.GetUserID())
	if err != nil {
		return voting.Principal{}, voting.ErrNotAuthenticated
	}
	return voting.NewPrincipal(userID, resolver.isAdmin(claims)), nil
}

func (resolver principalResolver) isAdmin(claims *sessionvalidator.Claims) bool {
	if resolver.adminRole != "" && slices.Contains(claims.GetUserRoles(), resolver.adminRole) {
		return true
	}
	email := strings.ToLower(strings.TrimSpace(claims.GetUserEmail()))
	return email != "" && slices.Contains(resolver.adminEmails, email)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}
