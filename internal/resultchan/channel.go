// ============================================================================
// oqdist ResultChannel
// ============================================================================
//
// Package: internal/resultchan
// File: channel.go
// Purpose: carry ResultMessages from workers back to the governing process
//
// Delivery contract (every transport):
//   - Publish before Subscribe and Subscribe before Publish both work;
//     messages are buffered per (run, phase)
//   - one message per task index; a second one fails with ErrDuplicate
//   - Cancel(key): later publishes fail with ErrCancelled, buffered
//     messages are dropped, a blocked Next returns ErrCancelled
//   - a Subscription is read once and cannot be restarted
//   - Next blocks without polling the CPU until a message arrives,
//     the key is cancelled or ctx expires
//
// Transports:
//   memory  in-process broker
//   file    shared filesystem (fsnotify + periodic scan)
//   redis   list + dedup hash + cancel flag
//   grpc    Publish RPC forwarding into a memory broker
//
// ============================================================================

package resultchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

var (
	// ErrDuplicate indicates a result for the same task index was already accepted
	ErrDuplicate = errors.New("resultchan: duplicate result for task index")

	// ErrClosed indicates the channel or subscription was closed
	ErrClosed = errors.New("resultchan: closed")

	// ErrAlreadySubscribed indicates the key already has its one subscriber
	ErrAlreadySubscribed = errors.New("resultchan: already subscribed")

	// ErrUnreachable indicates the endpoint cannot be used from another process
	ErrUnreachable = errors.New("resultchan: endpoint not reachable from a worker process")
)

// Key scopes messages to one phase of one run.
type Key struct {
	RunID types.RunID
	Phase string
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.RunID, k.Phase)
}

// KeyOf returns the key a message belongs to.
func KeyOf(msg types.ResultMessage) Key {
	return Key{RunID: msg.RunID, Phase: msg.Phase}
}

// Publisher is the worker side.
type Publisher interface {
	Publish(ctx context.Context, msg types.ResultMessage) error
}

// PublishCloser is a Publisher holding a connection.
type PublishCloser interface {
	Publisher
	Close() error
}

// Subscription yields the messages of one key.
type Subscription interface {
	Next(ctx context.Context) (types.ResultMessage, error)
	Close() error
}

// Channel is the governing-process side.
type Channel interface {
	Publisher
	Subscribe(ctx context.Context, key Key) (Subscription, error)
	Cancel(ctx context.Context, key Key) error
	// Endpoint tells a worker how to reach this channel.
	Endpoint() types.Endpoint
	Close() error
}

func cancelledError(op string, key Key) error {
	return types.NewError(types.ErrCancelled, op, nil).WithPhase(key.RunID, key.Phase)
}

func validate(msg types.ResultMessage) error {
	if msg.Index < 1 {
		return fmt.Errorf("resultchan: task index %d out of range", msg.Index)
	}
	switch msg.Status {
	case types.ResultOK, types.ResultError:
	default:
		return fmt.Errorf("resultchan: invalid status %q", msg.Status)
	}
	return nil
}

// WriteEndpoint records ep for the workers of phase.
func WriteEndpoint(workDir, phase string, ep types.Endpoint) error {
	path := layout.EndpointPath(workDir, phase)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ep, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadEndpoint loads what WriteEndpoint stored.
func ReadEndpoint(workDir, phase string) (types.Endpoint, error) {
	var ep types.Endpoint
	data, err := os.ReadFile(layout.EndpointPath(workDir, phase))
	if err != nil {
		return ep, err
	}
	if err := json.Unmarshal(data, &ep); err != nil {
		return ep, fmt.Errorf("parse endpoint: %w", err)
	}
	return ep, nil
}

// Dial opens a Publisher for ep from a worker whose run directory is workDir.
func Dial(ep types.Endpoint, workDir string) (PublishCloser, error) {
	switch ep.Transport {
	case types.TransportFile:
		return NewFileChannel(ResultsDirIn(workDir)), nil
	case types.TransportRedis:
		return DialRedis(ep.Address, ep.Namespace)
	case types.TransportGRPC:
		return DialGRPC(ep.Address)
	case types.TransportMemory:
		return nil, ErrUnreachable
	default:
		return nil, fmt.Errorf("resultchan: unknown transport %q", ep.Transport)
	}
}
