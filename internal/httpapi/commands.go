package httpapi

import (
	"net/http"
	"time"

	"dialer-bridge/internal/calls"
	"dialer-bridge/internal/rbac"
	"dialer-bridge/internal/reporting"

	"github.com/gin-gonic/gin"
)

// CreateCommand queues a call for the owner's devices. Agents may only queue
// calls for themselves.
func (h Handlers) CreateCommand(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	var req calls.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.OwnerUserID != "" && req.OwnerUserID != id.UserID && !rbac.CanActForOthers(id.Role) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "cannot create commands for other users"})
		return
	}
	cmd, err := h.Calls.Create(c.Request.Context(), id.WorkspaceID, id.actor(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cmd)
}

func (h Handlers) GetCommand(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	cmd, err := h.Calls.Get(c.Request.Context(), id.WorkspaceID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !visible(id, cmd) {
		writeError(c, calls.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (h Handlers) CancelCommand(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	cmd, err := h.Calls.Get(ctx, id.WorkspaceID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !visible(id, cmd) {
		writeError(c, calls.ErrNotFound)
		return
	}
	cmd, err = h.Calls.Cancel(ctx, id.WorkspaceID, cmd.ID, id.actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// visible hides other users' commands from callers that cannot act for them.
func visible(id identity, cmd calls.CallCommand) bool {
	return rbac.CanActForOthers(id.Role) || id.Role == rbac.RoleAnalyst || cmd.OwnerUserID == id.UserID
}

// --- Reports ---

// OutcomeSummary aggregates reported outcomes in [from, to). from and to are
// RFC 3339; the default window is the last 24 hours. Agents only see their
// own calls; other roles may filter with owner_user_id.
func (h Handlers) OutcomeSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}

	to := time.Now().UTC()
	var err error
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
	}
	from := to.Add(-24 * time.Hour)
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
	}

	owner := c.Query("owner_user_id")
	if id.Role == rbac.RoleAgent {
		owner = id.UserID
	}

	sum, err := h.Reports.OutcomeSummary(c.Request.Context(), reporting.OutcomeSummaryRequest{
		WorkspaceID: id.WorkspaceID,
		OwnerUserID: owner,
		Range:       reporting.TimeRange{From: from.UTC(), To: to.UTC()},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}
