package application

import (
	"fmt"
	"sync"
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/domain"
	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/Sats-Terminal/spark-bridge-backend/pkg/frost"
	"github.com/btcsuite/btcd/btcec/v2"
)

// frostSessionState is the in-memory half of a signing session: the frost
// signer holds secret nonces that must never touch disk, so it lives here
// while the domain record tracks the observable progress.
type frostSessionState struct {
	session   *domain.SigningSession
	signer    *frost.SignerSession
	request   ports.Round1Request
	createdAt time.Time
}

// keygenState is one in-flight DKG ceremony on a signer: the frost
// participant plus the static identity keys of everyone in the ceremony, in
// index order, used to seal the round-2 shares end-to-end.
type keygenState struct {
	participant     *frost.KeygenParticipant
	participantKeys []*btcec.PublicKey
	createdAt       time.Time
}

// frostSessionHolder keeps the live signing sessions and key generation
// ceremonies of one signer. A share backs at most one live session at a
// time, a second round-1 for the same share is refused as busy.
type frostSessionHolder struct {
	lock sync.Mutex

	sessions   map[string]*frostSessionState
	ceremonies map[string]*keygenState
	byShare    map[string]string
}

func newFrostSessionHolder() *frostSessionHolder {
	return &frostSessionHolder{
		sessions:   make(map[string]*frostSessionState),
		ceremonies: make(map[string]*keygenState),
		byShare:    make(map[string]string),
	}
}

func (h *frostSessionHolder) addSession(state *frostSessionState) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	shareId := state.request.ShareId
	if active, ok := h.byShare[shareId]; ok {
		return fmt.Errorf("share %s is already signing in session %s", shareId, active)
	}

	h.sessions[state.session.Id] = state
	h.byShare[shareId] = state.session.Id
	return nil
}

func (h *frostSessionHolder) getSession(id string) *frostSessionState {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.sessions[id]
}

// sessionForShare returns the id of the live session holding the share, or
// the empty string.
func (h *frostSessionHolder) sessionForShare(shareId string) string {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.byShare[shareId]
}

func (h *frostSessionHolder) deleteSession(id string) {
	h.lock.Lock()
	defer h.lock.Unlock()

	state, ok := h.sessions[id]
	if !ok {
		return
	}
	delete(h.sessions, id)
	if h.byShare[state.request.ShareId] == id {
		delete(h.byShare, state.request.ShareId)
	}
}

func (h *frostSessionHolder) addCeremony(id string, state *keygenState) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.ceremonies[id] = state
}

func (h *frostSessionHolder) getCeremony(id string) *keygenState {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.ceremonies[id]
}

func (h *frostSessionHolder) deleteCeremony(id string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.ceremonies, id)
}

// collect drops sessions and ceremonies older than the given cutoff and
// reports how many were evicted.
func (h *frostSessionHolder) collect(olderThan time.Time) int {
	h.lock.Lock()
	defer h.lock.Unlock()

	evicted := 0
	for id, state := range h.sessions {
		if state.createdAt.Before(olderThan) {
			delete(h.sessions, id)
			if h.byShare[state.request.ShareId] == id {
				delete(h.byShare, state.request.ShareId)
			}
			evicted++
		}
	}
	for id, state := range h.ceremonies {
		if state.createdAt.Before(olderThan) {
			delete(h.ceremonies, id)
			evicted++
		}
	}
	return evicted
}
