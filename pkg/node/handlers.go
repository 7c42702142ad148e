package node

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

// Healthz returns 200 while the node is joining or in the group.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	switch st := n.State(); st {
	case gossip.StateJoining, gossip.StateInGroup:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	default:
		http.Error(w, st.String(), http.StatusServiceUnavailable)
	}
}

type directoryView struct {
	Introducer string   `json:"introducer,omitempty"`
	Members    []string `json:"members"`
	Error      string   `json:"error,omitempty"`
}

// Info writes a JSON payload with the process ID, wall time, protocol state
// and member count, plus the directory's view when one is set.
func (n *Node) Info(w http.ResponseWriter, r *http.Request) {
	type resp struct {
		PID       int            `json:"pid"`
		Now       time.Time      `json:"now"`
		Self      string         `json:"self"`
		State     string         `json:"state"`
		Tick      int64          `json:"tick"`
		Members   int            `json:"members"`
		Directory *directoryView `json:"directory,omitempty"`
	}
	out := resp{
		PID:     os.Getpid(),
		Now:     time.Now(),
		Self:    n.Self().HostPort(),
		State:   n.State().String(),
		Tick:    n.Now(),
		Members: len(n.Members()),
	}
	if n.dir != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		out.Directory = n.directoryView(ctx)
	}
	n.writeJSON(w, out)
}

func (n *Node) directoryView(ctx context.Context) *directoryView {
	v := &directoryView{Members: []string{}}
	intro, ok, err := n.dir.Introducer(ctx)
	if err != nil {
		n.logger.Warn("directory introducer", zap.Error(err))
		v.Error = err.Error()
		return v
	}
	if ok {
		v.Introducer = intro.HostPort()
	}
	addrs, err := n.dir.Members(ctx)
	if err != nil {
		n.logger.Warn("directory members", zap.Error(err))
		v.Error = err.Error()
		return v
	}
	for _, a := range addrs {
		v.Members = append(v.Members, a.HostPort())
	}
	return v
}

type memberView struct {
	Addr      string `json:"addr"`
	Heartbeat int64  `json:"heartbeat"`
	Timestamp int64  `json:"timestamp"`
	Age       int64  `json:"age"`
	Self      bool   `json:"self,omitempty"`
}

// ListMembers writes the local membership table as JSON, local entry first.
func (n *Node) ListMembers(w http.ResponseWriter, _ *http.Request) {
	now := n.Now()
	rows := n.Members()
	out := make([]memberView, 0, len(rows))
	for i, e := range rows {
		out = append(out, memberView{
			Addr:      e.Addr.HostPort(),
			Heartbeat: e.Heartbeat,
			Timestamp: e.Timestamp,
			Age:       now - e.Timestamp,
			Self:      i == 0,
		})
	}
	n.writeJSON(w, out)
}

func (n *Node) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.logger.Error("encode response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
