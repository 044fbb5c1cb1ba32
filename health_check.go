package cluster

import (
	"context"
	"encoding/json"

	"github.com/lancer-kit/cluster/sm"
	"github.com/lancer-kit/cluster/socket"
)

const (
	// StatusAction is a command useful for health-checks, because it returns status of all workers.
	StatusAction = "status"
	// PingAction is a simple command that returns the "pong" message.
	PingAction = "ping"
)

// AppInfo is a details of the *Application* build.
type AppInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Build   string `json:"build"`
	Tag     string `json:"tag"`
}

// SocketName returns name of the master *Service Socket*.
func (app AppInfo) SocketName() string {
	return "/tmp/_cluster_" + app.Name + ".socket"
}

// StateInfo is result the `StatusAction` command.
type StateInfo struct {
	App       AppInfo      `json:"app"`
	ClusterID string       `json:"cluster_id"`
	State     sm.State     `json:"state"`
	Workers   []WorkerInfo `json:"workers"`
}

// ParseStateInfo decodes `StateInfo` from the JSON response for the `StatusAction` command.
func ParseStateInfo(data json.RawMessage) (*StateInfo, error) {
	var res = new(StateInfo)
	err := json.Unmarshal(data, res)
	if err != nil {
		return nil, err
	}

	return res, nil
}

func (c *Cluster) socketActions() []socket.Action {
	return []socket.Action{
		{
			Name: StatusAction,
			Handler: func(socket.Request) socket.Response {
				return socket.NewResponse(socket.StatusOk, c.Status(), "")
			},
		},
		{
			Name: PingAction,
			Handler: func(socket.Request) socket.Response {
				return socket.NewResponse(socket.StatusOk, "pong", "")
			},
		},
	}
}

// serveSocket runs the service socket until `ctx` is done.
func (c *Cluster) serveSocket(ctx context.Context) {
	log := c.log.WithField("socket", c.opts.App.SocketName())
	server := socket.NewServer(c.opts.App.SocketName(), c.socketActions()...)

	go func() {
		for err := range server.Errors() {
			log.WithError(err).Warn("Service socket error")
		}
	}()

	log.Debug("Starting service socket")
	if err := server.Serve(ctx); err != nil {
		log.WithError(err).Error("Service socket failed")
	}
}
