package assoc_test

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/kardianos/rpcrt/assoc"
	"github.com/kardianos/rpcrt/rmock"
)

func newTable(t *testing.T, opt assoc.TableOpt) (*assoc.Table, *rmock.GroupObserver) {
	obs := rmock.NewGroupObserver(t)
	opt.Observer = obs
	return assoc.NewTable(opt), obs
}

func mustRaise(t *testing.T, tbl *assoc.Table, k assoc.Key, ev assoc.Event, id assoc.AssocID) assoc.State {
	t.Helper()
	s, err := tbl.Raise(k, ev, assoc.Payload{Assoc: id})
	if err != nil {
		t.Fatalf("Raise(%s, %s, %d): %v", k, ev, id, err)
	}
	return s
}

func TestClientGroupActiveIffMembers(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 50; round++ {
		tbl, _ := newTable(t, assoc.TableOpt{})
		k, err := tbl.NewGroup(assoc.RoleClient, assoc.Payload{Peer: "peer"})
		if err != nil {
			t.Fatalf("NewGroup: %v", err)
		}

		live := map[assoc.AssocID]bool{}
		var next assoc.AssocID
		for step := 0; step < 40; step++ {
			var s assoc.State
			if len(live) == 0 || rng.Intn(2) == 0 {
				next++
				live[next] = true
				s = mustRaise(t, tbl, k, assoc.EventAddAssoc, next)
			} else {
				var victim assoc.AssocID
				for id := range live {
					victim = id
					break
				}
				delete(live, victim)
				s = mustRaise(t, tbl, k, assoc.EventRemAssoc, victim)
			}

			want := assoc.StateOpen
			if len(live) > 0 {
				want = assoc.StateActive
			}
			if s != want {
				t.Fatalf("round %d step %d: state = %s with %d members, want %s", round, step, s, len(live), want)
			}
			info, ok := tbl.Info(k)
			if !ok || info.Members != len(live) || info.State != want {
				t.Fatalf("round %d step %d: info = %+v ok=%v", round, step, info, ok)
			}
		}
	}
}

func TestClientGroupClose(t *testing.T) {
	tbl, obs := newTable(t, assoc.TableOpt{})
	k, err := tbl.NewGroup(assoc.RoleClient, assoc.Payload{})
	if err != nil {
		t.Fatal(err)
	}
	info, _ := tbl.Info(k)
	if info.Flags&assoc.FlagClientRole == 0 {
		t.Error("client group missing FlagClientRole")
	}

	mustRaise(t, tbl, k, assoc.EventAddAssoc, 1)

	// CLOSE is not defined while active.
	if _, err := tbl.Raise(k, assoc.EventClose, assoc.Payload{}); !errors.Is(err, assoc.ErrContractViolation) {
		t.Fatalf("CLOSE while active: err = %v, want contract violation", err)
	}
	// NO_CALLS_IND is never defined for clients.
	if _, err := tbl.Raise(k, assoc.EventNoCallsInd, assoc.Payload{}); !errors.Is(err, assoc.ErrContractViolation) {
		t.Fatalf("NO_CALLS_IND on client: err = %v, want contract violation", err)
	}

	mustRaise(t, tbl, k, assoc.EventRemAssoc, 1)
	if s := mustRaise(t, tbl, k, assoc.EventClose, 0); s != assoc.StateClosed {
		t.Fatalf("state = %s, want closed", s)
	}
	if obs.FreeCount(k) != 1 {
		t.Fatalf("free count = %d, want 1", obs.FreeCount(k))
	}
	if _, ok := tbl.Info(k); ok {
		t.Fatal("closed group still visible")
	}
	if _, err := tbl.Raise(k, assoc.EventAddAssoc, assoc.Payload{Assoc: 2}); !errors.Is(err, assoc.ErrUnknownGroup) {
		t.Fatalf("raise after close: err = %v, want ErrUnknownGroup", err)
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len = %d, want 0", tbl.Len())
	}
}

func TestServerGroupStaysActiveAtZero(t *testing.T) {
	tbl, obs := newTable(t, assoc.TableOpt{})
	k := assoc.Key{Role: assoc.RoleServer, ID: 77}
	if s, err := tbl.Raise(k, assoc.EventNew, assoc.Payload{Peer: "10.0.0.1:135"}); err != nil || s != assoc.StateOpen {
		t.Fatalf("NEW = %s, %v", s, err)
	}

	mustRaise(t, tbl, k, assoc.EventAddAssoc, 1)
	mustRaise(t, tbl, k, assoc.EventAddAssoc, 2)

	// NO_CALLS_IND with members is rejected and changes nothing.
	before, _ := tbl.Info(k)
	s, err := tbl.Raise(k, assoc.EventNoCallsInd, assoc.Payload{})
	if !errors.Is(err, assoc.ErrContractViolation) {
		t.Fatalf("NO_CALLS_IND with members: err = %v", err)
	}
	var te *assoc.TransitionError
	if !errors.As(err, &te) || te.State != assoc.StateActive || te.Event != assoc.EventNoCallsInd {
		t.Fatalf("expected TransitionError in active, got %#v", err)
	}
	after, _ := tbl.Info(k)
	if s != assoc.StateActive || after.State != before.State || after.Members != 2 || !after.LastActivity.Equal(before.LastActivity) {
		t.Fatalf("group changed by rejected event: before %+v after %+v", before, after)
	}

	if s := mustRaise(t, tbl, k, assoc.EventRemAssoc, 1); s != assoc.StateActive {
		t.Fatalf("state = %s, want active", s)
	}
	if s := mustRaise(t, tbl, k, assoc.EventRemAssoc, 2); s != assoc.StateActive {
		t.Fatalf("state at zero = %s, want active", s)
	}
	if obs.FreeCount(k) != 0 {
		t.Fatal("group freed before NO_CALLS_IND")
	}

	if s := mustRaise(t, tbl, k, assoc.EventNoCallsInd, 0); s != assoc.StateClosed {
		t.Fatalf("state = %s, want closed", s)
	}
	if obs.FreeCount(k) != 1 {
		t.Fatalf("free count = %d, want 1", obs.FreeCount(k))
	}
	if _, err := tbl.Raise(k, assoc.EventNoCallsInd, assoc.Payload{}); !errors.Is(err, assoc.ErrUnknownGroup) {
		t.Fatalf("second NO_CALLS_IND: err = %v, want ErrUnknownGroup", err)
	}
	if obs.FreeCount(k) != 1 {
		t.Fatalf("free count after second NO_CALLS_IND = %d, want 1", obs.FreeCount(k))
	}
}

func TestServerGroupNoCallsFromOpen(t *testing.T) {
	tbl, obs := newTable(t, assoc.TableOpt{})
	k, err := tbl.NewGroup(assoc.RoleServer, assoc.Payload{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Raise(k, assoc.EventClose, assoc.Payload{}); !errors.Is(err, assoc.ErrContractViolation) {
		t.Fatalf("CLOSE on server: err = %v", err)
	}
	if s := mustRaise(t, tbl, k, assoc.EventNoCallsInd, 0); s != assoc.StateClosed {
		t.Fatalf("state = %s", s)
	}
	if obs.FreeCount(k) != 1 {
		t.Fatal("group not freed")
	}
}

func TestContractViolations(t *testing.T) {
	tests := []struct {
		name  string
		role  assoc.Role
		setup []assoc.AssocID
		ev    assoc.Event
		id    assoc.AssocID
	}{
		{name: "client rem from open", role: assoc.RoleClient, ev: assoc.EventRemAssoc, id: 1},
		{name: "client rem non-member", role: assoc.RoleClient, setup: []assoc.AssocID{1}, ev: assoc.EventRemAssoc, id: 9},
		{name: "client duplicate add", role: assoc.RoleClient, setup: []assoc.AssocID{1}, ev: assoc.EventAddAssoc, id: 1},
		{name: "server rem from open", role: assoc.RoleServer, ev: assoc.EventRemAssoc, id: 1},
		{name: "server duplicate add", role: assoc.RoleServer, setup: []assoc.AssocID{4}, ev: assoc.EventAddAssoc, id: 4},
		{name: "server close", role: assoc.RoleServer, ev: assoc.EventClose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl, _ := newTable(t, assoc.TableOpt{})
			k, err := tbl.NewGroup(tt.role, assoc.Payload{})
			if err != nil {
				t.Fatal(err)
			}
			for _, id := range tt.setup {
				mustRaise(t, tbl, k, assoc.EventAddAssoc, id)
			}
			before, _ := tbl.Info(k)

			s, err := tbl.Raise(k, tt.ev, assoc.Payload{Assoc: tt.id})
			if !errors.Is(err, assoc.ErrContractViolation) {
				t.Fatalf("err = %v, want contract violation", err)
			}
			after, _ := tbl.Info(k)
			if s != before.State || after != before {
				t.Fatalf("group changed: before %+v after %+v (returned %s)", before, after, s)
			}
		})
	}
}

func TestNewGroupErrors(t *testing.T) {
	tbl, _ := newTable(t, assoc.TableOpt{MaxGroups: 2})

	k := assoc.Key{Role: assoc.RoleServer, ID: 5}
	if _, err := tbl.Raise(k, assoc.EventNew, assoc.Payload{}); err != nil {
		t.Fatal(err)
	}
	_, err := tbl.Raise(k, assoc.EventNew, assoc.Payload{})
	if !errors.Is(err, assoc.ErrGroupExists) || !errors.Is(err, assoc.ErrContractViolation) {
		t.Fatalf("duplicate NEW: err = %v", err)
	}
	if _, err := tbl.Raise(assoc.Key{Role: assoc.RoleServer}, assoc.EventNew, assoc.Payload{}); !errors.Is(err, assoc.ErrContractViolation) {
		t.Fatalf("NEW with zero id: err = %v", err)
	}

	if _, err := tbl.NewGroup(assoc.RoleClient, assoc.Payload{}); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.NewGroup(assoc.RoleClient, assoc.Payload{}); !errors.Is(err, assoc.ErrTooManyGroups) {
		t.Fatalf("third group: err = %v, want ErrTooManyGroups", err)
	}
	if n := len(tbl.Keys(assoc.RoleClient)); n != 1 {
		t.Fatalf("client keys = %d, want 1", n)
	}
}

func TestMaxAssociations(t *testing.T) {
	tbl, _ := newTable(t, assoc.TableOpt{MaxAssocPerGroup: 2})
	k, _ := tbl.NewGroup(assoc.RoleServer, assoc.Payload{})
	mustRaise(t, tbl, k, assoc.EventAddAssoc, 1)
	mustRaise(t, tbl, k, assoc.EventAddAssoc, 2)

	_, err := tbl.Raise(k, assoc.EventAddAssoc, assoc.Payload{Assoc: 3})
	if !errors.Is(err, assoc.ErrTooManyAssociations) {
		t.Fatalf("err = %v, want ErrTooManyAssociations", err)
	}
	if errors.Is(err, assoc.ErrContractViolation) {
		t.Fatal("resource exhaustion reported as contract violation")
	}
	if info, _ := tbl.Info(k); info.Members != 2 {
		t.Fatalf("members = %d, want 2", info.Members)
	}
}

func TestTouchUpdatesActivity(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl, _ := newTable(t, assoc.TableOpt{Now: func() time.Time { return now }})
	k, _ := tbl.NewGroup(assoc.RoleServer, assoc.Payload{})

	now = now.Add(time.Minute)
	if !tbl.Touch(k) {
		t.Fatal("Touch returned false for live group")
	}
	info, _ := tbl.Info(k)
	if !info.LastActivity.Equal(now) {
		t.Fatalf("LastActivity = %v, want %v", info.LastActivity, now)
	}
	if tbl.Touch(assoc.Key{Role: assoc.RoleServer, ID: 999}) {
		t.Fatal("Touch returned true for unknown group")
	}
}

func TestDefines(t *testing.T) {
	if !assoc.Defines(assoc.RoleServer, assoc.StateActive, assoc.EventNoCallsInd) {
		t.Error("server active must define NO_CALLS_IND")
	}
	if assoc.Defines(assoc.RoleClient, assoc.StateActive, assoc.EventNoCallsInd) {
		t.Error("client must not define NO_CALLS_IND")
	}
	if assoc.Defines(assoc.RoleServer, assoc.StateOpen, assoc.EventRemAssoc) {
		t.Error("server open must not define REM_ASSOC")
	}
}
