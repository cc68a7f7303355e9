package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatsync/internal/apperrors"
	"chatsync/internal/repositories"
	"chatsync/internal/telemetry"
)

const maxProfileLookup = 100

// ProfileHandler resolves user ids to public profiles.
type ProfileHandler struct {
	base
	profiles repositories.ProfileRepository
}

func NewProfileHandler(profiles repositories.ProfileRepository, audit *telemetry.AuditEmitter) *ProfileHandler {
	return &ProfileHandler{base: base{audit: audit}, profiles: profiles}
}

// GetProfiles serves GET /profiles?ids=a,b. Unknown ids are left out.
func (h *ProfileHandler) GetProfiles(c *gin.Context) {
	seen := map[string]bool{}
	var ids []string
	for _, raw := range c.QueryArray("ids") {
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		badRequest(c, apperrors.Validation("ids is required"))
		return
	}
	if len(ids) > maxProfileLookup {
		badRequest(c, apperrors.Validation("at most %d ids per lookup", maxProfileLookup))
		return
	}

	profiles, err := h.profiles.GetProfiles(c.Request.Context(), ids)
	if err != nil {
		h.fail(c, "profiles", "get_profiles", apperrors.Remote("get profiles", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}
