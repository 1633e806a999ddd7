// Package secretauth authenticates principals with a shared secret held in
// a Keytab.
//
// A client proves its identity with a Proof: an 8-byte big-endian Unix
// timestamp, a 16-byte random nonce and a BLAKE2b-256 MAC over both, keyed
// with a hash of the principal's secret. Session keys are derived the same
// way from a per-session nonce.
//
// A Provider remembers the nonces of accepted proofs until they fall outside
// the allowed clock skew, so each proof resolves once. Proofs are not bound
// to the connection they arrive on.
package secretauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/kardianos/rpcrt/rauth"
)

const (
	tsLen    = 8
	nonceLen = 16
	macLen   = blake2b.Size256
	// ProofLen is the length of a Proof.
	ProofLen = tsLen + nonceLen + macLen
)

var (
	ErrBadProof   = errors.New("secretauth: proof does not verify")
	ErrStaleProof = errors.New("secretauth: proof outside allowed clock skew")
	ErrReplay     = errors.New("secretauth: proof already used")
	ErrNoServer   = errors.New("secretauth: no server principal registered")
)

// Options configures a Provider.
type Options struct {
	// MaxSkew bounds the age of a proof. Zero means five minutes.
	MaxSkew time.Duration
	// Now is the clock, time.Now when nil.
	Now func() time.Time
}

// Provider is the shared-secret authentication service.
type Provider struct {
	rauth.Unimplemented

	keytab  *Keytab
	maxSkew time.Duration
	now     func() time.Time

	mu     sync.Mutex
	server string
	// seen maps the nonce of each accepted proof to when it goes stale.
	seen map[[nonceLen]byte]time.Time

	keyVersion atomic.Uint32
}

// identity is the provider data of a resolved identity.
type identity struct {
	macKey [32]byte
}

// session is the provider data of an Info.
type session struct {
	created time.Time
}

func New(kt *Keytab, opt Options) *Provider {
	p := &Provider{
		Unimplemented: rauth.Unimplemented{Svc: rauth.AuthnSharedSecret},
		keytab:        kt,
		maxSkew:       opt.MaxSkew,
		now:           opt.Now,
		seen:          make(map[[nonceLen]byte]time.Time),
	}
	if p.maxSkew <= 0 {
		p.maxSkew = 5 * time.Minute
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Init returns an rauth.InitFunc for a provider backed by kt.
func Init(kt *Keytab, opt Options) rauth.InitFunc {
	return func() (rauth.Provider, map[rauth.ProtocolID]rauth.ProtocolExt, error) {
		if kt == nil {
			return nil, nil, errors.New("secretauth: keytab is required")
		}
		sizes := map[rauth.ProtectLevel]int{
			rauth.LevelPktIntegrity: macLen,
			rauth.LevelPktPrivacy:   macLen,
		}
		return New(kt, opt), map[rauth.ProtocolID]rauth.ProtocolExt{
			rauth.ProtocolCN: rauth.FixedTrailer(rauth.ProtocolCN, sizes),
			rauth.ProtocolDG: rauth.FixedTrailer(rauth.ProtocolDG, sizes),
		}, nil
	}
}

func (p *Provider) AuthnSvc() rauth.AuthnSvc { return rauth.AuthnSharedSecret }
func (p *Provider) Name() string             { return "secret" }

func macKey(secret []byte) [32]byte {
	return blake2b.Sum256(secret)
}

func mac(key [32]byte, label string, parts ...[]byte) []byte {
	h, err := blake2b.New256(key[:])
	if err != nil {
		// Only returned for keys longer than 64 bytes.
		panic(err)
	}
	h.Write([]byte(label))
	for _, b := range parts {
		h.Write(b)
	}
	return h.Sum(nil)
}

// NewProof builds the proof a client sends for principal.
func NewProof(principal string, secret []byte, now time.Time) ([]byte, error) {
	proof := make([]byte, tsLen+nonceLen, ProofLen)
	binary.BigEndian.PutUint64(proof, uint64(now.Unix()))
	if _, err := rand.Read(proof[tsLen:]); err != nil {
		return nil, err
	}
	return append(proof, mac(macKey(secret), "rpcrt identity", []byte(principal), proof)...), nil
}

// Credential returns a function that builds a fresh identity for principal
// each time it is called, for clients that bind more than once.
func Credential(principal string, secret []byte, now func() time.Time) func() (rauth.Identity, error) {
	if now == nil {
		now = time.Now
	}
	return func() (rauth.Identity, error) {
		proof, err := NewProof(principal, secret, now())
		if err != nil {
			return rauth.Identity{}, err
		}
		return rauth.Identity{Svc: rauth.AuthnSharedSecret, Principal: principal, Proof: proof}, nil
	}
}

func (p *Provider) ResolveIdentity(_ context.Context, id rauth.Identity) (*rauth.ResolvedIdentity, error) {
	if len(id.Proof) != ProofLen {
		return nil, fmt.Errorf("%w: length %d", ErrBadProof, len(id.Proof))
	}
	secret, err := p.keytab.Lookup(id.Principal)
	if err != nil {
		return nil, err
	}
	key := macKey(secret)
	clear(secret)

	head := id.Proof[:tsLen+nonceLen]
	want := mac(key, "rpcrt identity", []byte(id.Principal), head)
	if subtle.ConstantTimeCompare(want, id.Proof[tsLen+nonceLen:]) != 1 {
		return nil, ErrBadProof
	}
	ts := time.Unix(int64(binary.BigEndian.Uint64(head)), 0)
	now := p.now()
	if d := now.Sub(ts); d > p.maxSkew || d < -p.maxSkew {
		return nil, fmt.Errorf("%w: %v", ErrStaleProof, d.Round(time.Second))
	}
	if !p.useNonce([nonceLen]byte(head[tsLen:]), ts.Add(p.maxSkew), now) {
		return nil, ErrReplay
	}
	return rauth.NewResolvedIdentity(rauth.AuthnSharedSecret, id.Principal, &identity{macKey: key}), nil
}

// useNonce records nonce until expires and reports whether it was unused.
func (p *Provider) useNonce(nonce [nonceLen]byte, expires, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for n, exp := range p.seen {
		if now.After(exp) {
			delete(p.seen, n)
		}
	}
	if _, ok := p.seen[nonce]; ok {
		return false
	}
	p.seen[nonce] = expires
	return true
}

func (p *Provider) ReleaseIdentity(rid *rauth.ResolvedIdentity) error {
	if d, ok := rid.Data.(*identity); ok {
		clear(d.macKey[:])
	}
	rid.Data = nil
	return nil
}

// SessionKey derives a per-session key for a resolved identity. Both ends
// derive the same key from the same nonce.
func (p *Provider) SessionKey(rid *rauth.ResolvedIdentity, nonce []byte) (*rauth.Key, error) {
	if rid == nil || rid.Released() {
		return nil, errors.New("secretauth: session key for released identity")
	}
	d, ok := rid.Data.(*identity)
	if !ok {
		return nil, fmt.Errorf("secretauth: identity from %s", rid.Svc)
	}
	b := mac(d.macKey, "rpcrt session", nonce)
	return rauth.NewKey(rauth.AuthnSharedSecret, p.keyVersion.Add(1), b), nil
}

// FreeKey zeroes the key material.
func (p *Provider) FreeKey(key *rauth.Key) error {
	clear(key.Bytes)
	key.Bytes = nil
	key.Data = nil
	return nil
}

// RegisterServer records the server principal. A []byte arg is stored as
// the principal's secret.
func (p *Provider) RegisterServer(_ context.Context, principal string, arg any) error {
	if secret, ok := arg.([]byte); ok {
		if err := p.keytab.Add(principal, secret); err != nil {
			return err
		}
	} else if _, err := p.keytab.Lookup(principal); err != nil {
		return err
	}
	p.mu.Lock()
	p.server = principal
	p.mu.Unlock()
	return nil
}

func (p *Provider) PrincipalName(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == "" {
		return "", ErrNoServer
	}
	return p.server, nil
}

func (p *Provider) DefaultLevel() (rauth.ProtectLevel, error) {
	return rauth.LevelPktIntegrity, nil
}

func (p *Provider) SetBindingInfo(_ context.Context, req rauth.BindingRequest) (*rauth.Info, error) {
	level := req.Level
	if level == rauth.LevelDefault {
		level = rauth.LevelPktIntegrity
	}
	if level > rauth.LevelPktPrivacy {
		return nil, fmt.Errorf("secretauth: unknown protection level %s", level)
	}
	info := rauth.NewInfo(rauth.AuthnSharedSecret, level, req.Authz)
	info.ServerPrincipal = req.ServerPrincipal
	info.Server = req.Server
	if req.Client != nil {
		info.ClientPrincipal = req.Client.Principal
	}
	info.Data = &session{created: p.now()}
	return info, nil
}

func (p *Provider) FreeInfo(info *rauth.Info) error {
	info.Data = nil
	return nil
}

func (p *Provider) InquireSecurityContext(info *rauth.Info) (*rauth.SecurityContext, error) {
	_, ok := info.Data.(*session)
	if !ok {
		return nil, errors.New("secretauth: info has no session")
	}
	return &rauth.SecurityContext{
		Svc:              rauth.AuthnSharedSecret,
		Level:            info.Level,
		Authz:            info.Authz,
		Initiator:        info.ClientPrincipal,
		Acceptor:         info.ServerPrincipal,
		LocallyInitiated: !info.Server,
		Established:      info.ClientPrincipal != "",
	}, nil
}
