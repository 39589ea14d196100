// Package debugapi serves read-only JSON snapshots of the focus state
// for operators. Nothing here mutates anything; every handler works on
// copies taken under the owning component's locks.
package debugapi

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/colloq/focus/internal/v1/bridge"
	"github.com/colloq/focus/internal/v1/conference"
	"github.com/colloq/focus/internal/v1/types"
)

// Handler serves the /debug tree.
type Handler struct {
	store    *conference.Store
	selector *bridge.Selector
	depths   func() map[string]int
}

// Option tunes a Handler.
type Option func(*Handler)

// WithQueueDepths adds per-conference stanza backlog sizes to the
// overview snapshot.
func WithQueueDepths(f func() map[string]int) Option {
	return func(h *Handler) { h.depths = f }
}

// NewHandler builds the debug surface.
func NewHandler(store *conference.Store, selector *bridge.Selector, opts ...Option) *Handler {
	h := &Handler{store: store, selector: selector}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register mounts the debug routes on the router.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/debug", h.Overview)
	r.GET("/debug/conferences", h.Conferences)
	r.GET("/debug/conference/:id", h.Conference)
}

type bridgeView struct {
	Address          string  `json:"address"`
	Region           string  `json:"region,omitempty"`
	Version          string  `json:"version,omitempty"`
	Operational      bool    `json:"operational"`
	GracefulShutdown bool    `json:"graceful_shutdown,omitempty"`
	Stress           float64 `json:"stress"`
	Conferences      int     `json:"conferences"`
}

type participantView struct {
	ID          string `json:"id"`
	Region      string `json:"region,omitempty"`
	StatsID     string `json:"stats_id,omitempty"`
	Role        string `json:"role"`
	Liveness    string `json:"liveness"`
	Bridge      string `json:"bridge,omitempty"`
	SourceCount int    `json:"source_count"`
}

type conferenceView struct {
	Room         string            `json:"room"`
	MeetingID    string            `json:"meeting_id,omitempty"`
	State        string            `json:"state"`
	CreatedAt    time.Time         `json:"created_at"`
	Participants []participantView `json:"participants"`
}

// Overview answers GET /debug with the fleet-level snapshot.
func (h *Handler) Overview(c *gin.Context) {
	bridges := h.selector.List()
	views := make([]bridgeView, 0, len(bridges))
	for _, b := range bridges {
		views = append(views, bridgeView{
			Address:          b.Address,
			Region:           b.Region,
			Version:          b.Version,
			Operational:      b.Operational,
			GracefulShutdown: b.GracefulShutdown,
			Stress:           b.Stress,
			Conferences:      b.ConferenceCount,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Address < views[j].Address })

	snapshot := gin.H{
		"conference_count": h.store.Count(),
		"bridges":          views,
		"version_pins":     h.store.Pins(),
	}
	if h.depths != nil {
		snapshot["queue_depths"] = h.depths()
	}
	c.JSON(http.StatusOK, snapshot)
}

// Conferences answers GET /debug/conferences with the room name list.
func (h *Handler) Conferences(c *gin.Context) {
	all := h.store.All()
	names := make([]string, 0, len(all))
	for _, conf := range all {
		names = append(names, conf.Name().String())
	}
	sort.Strings(names)
	c.JSON(http.StatusOK, names)
}

// Conference answers GET /debug/conference/{id}; the id is a room
// address or a meeting id.
func (h *Handler) Conference(c *gin.Context) {
	id := c.Param("id")
	conf, ok := h.lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such conference"})
		return
	}

	participants := conf.Participants()
	views := make([]participantView, 0, len(participants))
	for _, p := range participants {
		views = append(views, participantView{
			ID:          string(p.ID()),
			Region:      p.Region(),
			StatsID:     p.StatsID(),
			Role:        string(p.Role()),
			Liveness:    string(p.Liveness()),
			Bridge:      p.Bridge(),
			SourceCount: len(p.Sources().SSRCs()),
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	c.JSON(http.StatusOK, conferenceView{
		Room:         conf.Name().String(),
		MeetingID:    string(conf.MeetingID()),
		State:        string(conf.State()),
		CreatedAt:    conf.CreatedAt(),
		Participants: views,
	})
}

func (h *Handler) lookup(id string) (*conference.Conference, bool) {
	if room, err := types.ParseRoomName(id); err == nil {
		if conf, ok := h.store.Get(room); ok {
			return conf, true
		}
	}
	return h.store.GetByMeetingID(types.MeetingID(id))
}
