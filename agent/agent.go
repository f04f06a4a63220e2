package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/module-identity-provisioning/api"
	"github.com/ruteri/module-identity-provisioning/cryptoutils"
	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/twin"
	"go.uber.org/atomic"
)

// State is where the agent stands in obtaining its token. It is observable
// through Agent.State and only moves forward within one ObtainToken call.
type State int32

const (
	// StateIdle means no token is held and no request is outstanding.
	StateIdle State = iota
	// StateAwaitingCreation means an operation request was sent and the
	// agent is waiting for the document to report IdentityCreated.
	StateAwaitingCreation
	// StateReady means a token is held.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCreation:
		return "awaiting_creation"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Transport connects the agent to the hub.
type Transport interface {
	SendOperation(ctx context.Context, op api.OperationType) error
	GetTwin(ctx context.Context) (*twin.Document, interfaces.ETag, error)

	// WatchTwin returns a nil document when nothing changed past known
	// before the transport gave up waiting.
	WatchTwin(ctx context.Context, known interfaces.ETag) (*twin.Document, interfaces.ETag, error)
}

// snapshot is one immutable view of the module's document.
type snapshot struct {
	doc  *twin.Document
	etag interfaces.ETag
}

// Agent obtains an access token for one module. It holds the latest view of
// the module's document, the credential derived from the module key and the
// last token. All methods are safe for concurrent use; the document view is
// swapped atomically, so readers never block the twin subscription.
type Agent struct {
	ref       interfaces.ModuleRef
	cfg       Config
	transport Transport
	signer    interfaces.Signer
	exchanger TokenExchanger
	log       *slog.Logger

	cache atomic.Pointer[snapshot]
	state atomic.Int32
	token atomic.Pointer[Token]

	mu         sync.Mutex
	credential *cryptoutils.Credential
}

// New creates an agent for ref. A nil exchanger hands out the credential
// without exchanging it.
//
// Parameters:
//   - ref: The module the agent acts for
//   - cfg: Timing and key selection; zero fields take the defaults
//   - transport: Connection to the hub for operation requests and twin reads
//   - signer: Holder of the module key, used to derive the password
//   - exchanger: Turns the credential into a token, may be nil
//   - log: Structured logger
//
// Returns:
//   - The agent, in StateIdle with an empty document view
//   - Error if ref is invalid or transport or signer is missing
func New(ref interfaces.ModuleRef, cfg Config, transport Transport, signer interfaces.Signer, exchanger TokenExchanger, log *slog.Logger) (*Agent, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if transport == nil || signer == nil {
		return nil, errors.New("transport and signer are required")
	}
	if exchanger == nil {
		exchanger = CredentialOnly{}
	}
	a := &Agent{
		ref:       ref,
		cfg:       cfg.withDefaults(),
		transport: transport,
		signer:    signer,
		exchanger: exchanger,
		log:       log.With(slog.String("module", ref.String())),
	}
	a.cache.Store(&snapshot{})
	return a, nil
}

// State returns the current state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	if old := State(a.state.Swap(int32(s))); old != s {
		a.log.Debug("Agent state changed", slog.String("from", old.String()), slog.String("to", s.String()))
	}
}

// Token returns the last token obtained, or nil.
func (a *Agent) Token() *Token {
	return a.token.Load()
}

// Document returns the cached document. Callers must not modify it.
func (a *Agent) Document() (*twin.Document, interfaces.ETag) {
	s := a.cache.Load()
	return s.doc, s.etag
}

// ApplyTwin replaces the cached document with a full read.
func (a *Agent) ApplyTwin(doc *twin.Document, etag interfaces.ETag) {
	a.cache.Store(&snapshot{doc: doc.Clone(), etag: etag})
	a.log.Debug("Twin updated", slog.String("status", doc.Status().String()), slog.String("etag", string(etag)))
}

// ApplyDesired replaces the desired subtree of the cached document, as
// pushed by a desired-properties subscription.
func (a *Agent) ApplyDesired(desired *twin.Desired) {
	for {
		old := a.cache.Load()
		next := &snapshot{doc: old.doc.WithDesired(desired), etag: old.etag}
		if a.cache.CompareAndSwap(old, next) {
			a.log.Debug("Desired properties updated", slog.String("status", next.doc.Status().String()))
			return
		}
	}
}

func (a *Agent) identityCreated() bool {
	return a.cache.Load().doc.CheckStatus(twin.StatusIdentityCreated)
}

// ObtainToken returns a token for the module, requesting the identity first
// when the cached document does not report it as created. It fails with a
// *NotReadyError when the identity does not show up within WaitTimeout, and
// with ctx.Err() when ctx is done first.
//
// The credential is derived once and reused by later calls until
// RequestRefresh is called.
//
// Parameters:
//   - ctx: Bounds the whole call, including the wait for the identity
//
// Returns:
//   - The token, also retained and returned by Token
//   - *NotReadyError if the identity did not become ready in time
//   - Error from the transport, the signer or the exchanger otherwise
func (a *Agent) ObtainToken(ctx context.Context) (*Token, error) {
	if !a.identityCreated() {
		a.setState(StateAwaitingCreation)
		if err := a.transport.SendOperation(ctx, api.OperationCreateIdentity); err != nil {
			return nil, fmt.Errorf("failed to request identity creation: %w", err)
		}
		if err := a.waitForIdentity(ctx); err != nil {
			return nil, err
		}
	}

	cred, err := a.deriveCredential(ctx)
	if err != nil {
		return nil, err
	}
	token, err := a.exchanger.Exchange(ctx, cred)
	if err != nil {
		return nil, err
	}

	a.token.Store(token)
	a.setState(StateReady)
	return token, nil
}

func (a *Agent) waitForIdentity(ctx context.Context) error {
	timeout := time.NewTimer(a.cfg.WaitTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if a.identityCreated() {
				return nil
			}
		case <-timeout.C:
			if a.identityCreated() {
				return nil
			}
			doc, _ := a.Document()
			return &NotReadyError{Ref: a.ref, Status: doc.Status(), Waited: a.cfg.WaitTimeout}
		}
	}
}

// deriveCredential computes the credential once per agent. The password is
// the signer's HMAC of the username, encoded the same way the authority
// encodes its own derivation.
func (a *Agent) deriveCredential(ctx context.Context) (cryptoutils.Credential, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.credential != nil {
		return *a.credential, nil
	}

	userName, err := cryptoutils.BuildUserName(a.ref.DeviceID, a.ref.ModuleID)
	if err != nil {
		return cryptoutils.Credential{}, err
	}
	if doc, _ := a.Document(); doc.UserName() != "" && doc.UserName() != userName {
		a.log.Warn("Published username differs from derived one", slog.String("published", doc.UserName()), slog.String("derived", userName))
	}

	digest, err := a.signer.Sign(ctx, a.cfg.KeyID, a.cfg.GenerationID, []byte(userName))
	if err != nil {
		return cryptoutils.Credential{}, fmt.Errorf("failed to sign username: %w", err)
	}

	a.credential = &cryptoutils.Credential{UserName: userName, Password: cryptoutils.SecretFromDigest(digest)}
	return *a.credential, nil
}

// RequestRefresh asks the authority to refresh the identity and forgets the
// cached credential and token.
func (a *Agent) RequestRefresh(ctx context.Context) error {
	a.mu.Lock()
	a.credential = nil
	a.mu.Unlock()
	a.token.Store(nil)
	a.setState(StateIdle)

	if err := a.transport.SendOperation(ctx, api.OperationRefreshIdentity); err != nil {
		return fmt.Errorf("failed to request identity refresh: %w", err)
	}
	return nil
}
