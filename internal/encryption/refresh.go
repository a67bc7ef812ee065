package encryption

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// DefaultRefreshInterval is how often the keyset file is reloaded.
const DefaultRefreshInterval = 15 * time.Minute

// keysetSource produces the AEAD for the current keyset.
type keysetSource func(ctx context.Context) (tink.AEAD, error)

type loadedKeyset struct {
	aead tink.AEAD
	at   time.Time
}

// RefreshableAEAD is a tink.AEAD backed by a keyset file that is reloaded on
// an interval. A failed reload keeps the keyset already in use.
type RefreshableAEAD struct {
	name    string
	source  keysetSource
	current atomic.Pointer[loadedKeyset]

	stop      context.CancelFunc
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewRefreshableAEAD loads the keyset at path, decrypting it with master, and
// rereads it every interval until Close is called or ctx ends. An interval of
// zero or less uses DefaultRefreshInterval.
func NewRefreshableAEAD(ctx context.Context, path string, master tink.AEADWithContext, interval time.Duration) (*RefreshableAEAD, error) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	source := func(ctx context.Context) (tink.AEAD, error) {
		return NewAEADFromFile(ctx, path, master)
	}

	return startRefreshable(ctx, path, source, interval)
}

func startRefreshable(ctx context.Context, name string, source keysetSource, interval time.Duration) (*RefreshableAEAD, error) {
	initial, err := source(ctx)
	if err != nil {
		return nil, err
	}

	loopCtx, stop := context.WithCancel(ctx)

	r := &RefreshableAEAD{
		name:    name,
		source:  source,
		stop:    stop,
		stopped: make(chan struct{}),
	}
	r.current.Store(&loadedKeyset{aead: initial, at: time.Now()})

	go r.run(loopCtx, interval)

	return r, nil
}

func (r *RefreshableAEAD) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	return r.current.Load().aead.Encrypt(plaintext, associatedData)
}

func (r *RefreshableAEAD) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	return r.current.Load().aead.Decrypt(ciphertext, associatedData)
}

// LoadedAt reports when the keyset in use was read.
func (r *RefreshableAEAD) LoadedAt() time.Time {
	return r.current.Load().at
}

// Close stops reloading and waits for the reload goroutine to exit. It is
// safe to call more than once.
func (r *RefreshableAEAD) Close() error {
	r.closeOnce.Do(r.stop)
	<-r.stopped
	return nil
}

func (r *RefreshableAEAD) run(ctx context.Context, interval time.Duration) {
	defer close(r.stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reload(ctx)
		}
	}
}

func (r *RefreshableAEAD) reload(ctx context.Context) {
	aead, err := r.source(ctx)
	if err != nil {
		log.Ctx(ctx).Warn().
			Err(err).
			Str("keyset", r.name).
			Time("loadedAt", r.LoadedAt()).
			Msg("cache encryption keyset reload failed, keeping current keyset")
		return
	}

	r.current.Store(&loadedKeyset{aead: aead, at: time.Now()})

	log.Ctx(ctx).Debug().Str("keyset", r.name).Msg("cache encryption keyset reloaded")
}
