package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	statusOK             = "ok"
	submitBodyLimitBytes = voting.MaxImageBytes + 64*1024
)

type httpHandler struct {
	logger   *zap.Logger
	service  *voting.Service
	feed     *voting.Feed
	store    Pinger
	cfg      Config
	resolver principalResolver
	limiter  *voteLimiter
	upgrader websocket.Upgrader
}

func (handler *httpHandler) handleHealth(ctx *gin.Context) {
	if handler.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
		defer cancel()
		if err := handler.store.Ping(pingCtx); err != nil {
			handler.respondError(ctx, err)
			return
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"status": statusOK})
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	principal, err := handler.resolver.resolve(claims)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
		"roles":   claims.GetUserRoles(),
		"admin":   principal.IsAdmin(),
	})
}

func (handler *httpHandler) handleGallery(ctx *gin.Context) {
	entries, err := handler.approvedEntries(ctx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newGalleryPayload(voting.Gallery{Entries: entries, Leaderboard: voting.RankLeaderboard(entries)}))
}

func (handler *httpHandler) handleLeaderboard(ctx *gin.Context) {
	entries, err := handler.approvedEntries(ctx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newLeaderboardPayload(voting.RankLeaderboard(entries)))
}

// handleEntry is public, so entries still in moderation are reported as missing.
func (handler *httpHandler) handleEntry(ctx *gin.Context) {
	entryID, ok := handler.entryIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	entry, err := handler.service.Entry(requestCtx, entryID)
	if err == nil && entry.Status != voting.EntryStatusApproved {
		err = voting.ErrEntryNotFound
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": newEntryPayload(entry, false)})
}

func (handler *httpHandler) handleSubmit(ctx *gin.Context) {
	principal, ok := handler.principal(ctx)
	if !ok {
		return
	}
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, submitBodyLimitBytes)
	var request submitRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse(errorInvalidSubmission, "image too large"))
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	submission, err := voting.NewSubmission(request.Title, request.Description, request.CarverName, request.Image)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	entryID, err := handler.service.SubmitEntry(ctx.Request.Context(), principal, submission)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"status": statusOK, "entry_id": entryID.String()})
}

func (handler *httpHandler) handleListEntries(ctx *gin.Context) {
	principal, ok := handler.principal(ctx)
	if !ok {
		return
	}
	status := voting.AnyStatus
	if raw := ctx.Query("status"); raw != "" {
		parsed, err := voting.ParseEntryStatus(raw)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		status = parsed
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	var (
		entries []voting.Entry
		err     error
	)
	if status == voting.AnyStatus {
		entries, err = handler.service.ListAll(requestCtx, principal)
	} else {
		entries, err = handler.service.ListByStatus(requestCtx, principal, status)
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": newEntryPayloads(entries, principal.IsAdmin())})
}

func (handler *httpHandler) handleVote(ctx *gin.Context) {
	principal, ok := handler.principal(ctx)
	if !ok {
		return
	}
	entryID, ok := handler.entryIDParam(ctx)
	if !ok {
		return
	}
	if !handler.limiter.allow(principal.UserID().String()) {
		ctx.JSON(http.StatusTooManyRequests, errorResponse(errorRateLimited, "too many votes, slow down"))
		return
	}
	result, err := handler.service.CastVote(ctx.Request.Context(), principal, entryID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := gin.H{
		"status":   statusOK,
		"entry_id": result.EntryID.String(),
		"changed":  result.Changed,
	}
	if previous, hadVote := result.Previous(); hadVote {
		response["previous_entry_id"] = previous.String()
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleMyVote(ctx *gin.Context) {
	principal, ok := handler.principal(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	entryID, hasVote, err := handler.service.MyVote(requestCtx, principal)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := gin.H{"has_vote": hasVote}
	if hasVote {
		response["entry_id"] = entryID.String()
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleSetStatus(ctx *gin.Context) {
	principal, ok := handler.principal(ctx)
	if !ok {
		return
	}
	entryID, ok := handler.entryIDParam(ctx)
	if !ok {
		return
	}
	var request statusRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	status, err := voting.ParseEntryStatus(request.Status)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := handler.service.SetStatus(ctx.Request.Context(), principal, entryID, status); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": statusOK, "entry_id": entryID.String(), "entry_status": status.String()})
}

func (handler *httpHandler) handleDelete(ctx *gin.Context) {
	principal, ok := handler.principal(ctx)
	if !ok {
		return
	}
	entryID, ok := handler.entryIDParam(ctx)
	if !ok {
		return
	}
	summary, err := handler.service.DeleteEntry(ctx.Request.Context(), principal, entryID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":           statusOK,
		"entry_id":         summary.EntryID.String(),
		"votes_removed":    summary.VotesRemoved,
		"pointers_cleared": summary.PointersCleared,
	})
}

func (handler *httpHandler) handleResetVotes(ctx *gin.Context) {
	principal, ok := handler.principal(ctx)
	if !ok {
		return
	}
	summary, err := handler.service.ResetAllVotes(ctx.Request.Context(), principal)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":           statusOK,
		"votes_deleted":    summary.VotesDeleted,
		"tallies_synced":   summary.TalliesSynced,
		"pointers_cleared": summary.PointersCleared,
		"batches":          summary.Batches,
	})
}

func (handler *httpHandler) handleRebuildTallies(ctx *gin.Context) {
	principal, ok := handler.principal(ctx)
	if !ok {
		return
	}
	summary, err := handler.service.RebuildTallies(ctx.Request.Context(), principal)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":            statusOK,
		"entries_checked":   summary.EntriesChecked,
		"tallies_corrected": summary.TalliesCorrected,
		"pointers_assigned": summary.PointersAssigned,
	})
}

func (handler *httpHandler) handleModerationEvents(ctx *gin.Context) {
	principal, ok := handler.principal(ctx)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	events, err := handler.service.ModerationHistory(requestCtx, principal, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"events": newModerationEventPayloads(events)})
}

func (handler *httpHandler) approvedEntries(ctx *gin.Context) ([]voting.Entry, error) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	return handler.service.ApprovedEntries(requestCtx)
}

func (handler *httpHandler) principal(ctx *gin.Context) (voting.Principal, bool) {
	principal, err := handler.resolver.resolve(getClaims(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return voting.Principal{}, false
	}
	return principal, true
}

func (handler *httpHandler) entryIDParam(ctx *gin.Context) (voting.EntryID, bool) {
	entryID, err := voting.NewEntryID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return voting.EntryID{}, false
	}
	return entryID, true
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	ctx.AbortWithStatusJSON(status, errorResponse(code, message))
}
