package cluster

import (
	"time"

	"github.com/lancer-kit/cluster/ipc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	errMasterGone       = errors.New("master channel closed")
	errHandshakeTimeout = errors.New("no handshake from master before timeout")
)

// handshake waits for the hello message written by the master at spawn time.
func handshake(ch ipc.Channel, wait time.Duration) (ipc.Message, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-ch.Messages():
			if !ok {
				return ipc.Message{}, errMasterGone
			}
			if msg.Kind == ipc.KindHello {
				return msg, nil
			}
		case <-timer.C:
			return ipc.Message{}, errHandshakeTimeout
		}
	}
}

// fetchMasterArgs asks the master for its arguments and waits for exactly one
// response. A missing channel, a closed channel or the timeout all yield empty
// arguments.
func fetchMasterArgs(ch ipc.Channel, workerID int, wait time.Duration, log *logrus.Entry) Args {
	if ch == nil {
		log.Warn("No channel to the master process, continuing without master arguments")
		return Args{}
	}

	if err := ch.Send(ipc.GetArgs(workerID)); err != nil {
		log.WithError(err).Warn("Unable to request master arguments")
		return Args{}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-ch.Messages():
			if !ok {
				log.Debug("Master channel closed while waiting for master arguments")
				return Args{}
			}
			if msg.Kind == ipc.KindGetArgsResponse {
				return Args{raw: msg.MasterArgs}
			}
		case <-timer.C:
			log.Warn("No response from master process for master arguments before timeout")
			return Args{}
		}
	}
}
