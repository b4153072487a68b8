package scheduler

import (
	"context"
	"time"

	"github.com/cuixiaotu/lbdm/internal/config"
	"github.com/cuixiaotu/lbdm/internal/ingestion"
	"github.com/cuixiaotu/lbdm/internal/models"
)

// Accounts is the part of the account cache the schedulers use.
// *cache.AccountCache implements it.
type Accounts interface {
	All() ([]models.Account, error)
	Get(id string) (models.Account, error)
	Lookup(ctx context.Context, id string) (models.Account, error)
	SetValid(ctx context.Context, id string, valid bool) (bool, error)
	SetLiveRooms(snapshot models.RoomSnapshot)
}

// Connection is the remote store connection the monitor owns while running.
// *database.Manager implements it.
type Connection interface {
	Initialize(ctx context.Context, cfg config.DatabaseConfig, tunnel config.TunnelConfig) error
	Close() error
}

// FacetCollector fetches and writes every facet of a live room.
// *ingestion.Collector implements it.
type FacetCollector interface {
	CollectAll(ctx context.Context, target ingestion.Target) []ingestion.FacetResult
}

// Recorder observes scheduler activity. The metrics collector implements it.
type Recorder interface {
	PollCycle(d time.Duration, rooms int)
	PollSkipped()
	QueueSize(n int)
	CredentialCheck(result string)
}

type nopRecorder struct{}

func (nopRecorder) PollCycle(time.Duration, int) {}
func (nopRecorder) PollSkipped()                 {}
func (nopRecorder) QueueSize(int)                {}
func (nopRecorder) CredentialCheck(string)       {}
