// ABOUTME: Integration tests for store/user.go — registration bootstrap,
// ABOUTME: including the concurrent first-user race, and duplicate emails.
package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/permission"
	"github.com/flowdeck/flowdeck/internal/store"
	"github.com/flowdeck/flowdeck/internal/testutil"
)

func TestRegisterUser_FirstAccountBootstraps(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	first, err := s.RegisterUser(ctx, "first@example.com", "First", "")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if !first.IsSuperuser || first.Level != permission.LevelSuperAdmin {
		t.Errorf("first account = superuser %v level %s, want superuser SUPER_ADMIN", first.IsSuperuser, first.Level)
	}

	second, err := s.RegisterUser(ctx, "second@example.com", "Second", "")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if second.IsSuperuser || second.Level != permission.LevelUser {
		t.Errorf("second account = superuser %v level %s, want regular USER", second.IsSuperuser, second.Level)
	}

	if _, err := s.RegisterUser(ctx, "first@example.com", "Dup", ""); !errors.Is(err, store.ErrDuplicateEmail) {
		t.Errorf("duplicate email err = %v, want ErrDuplicateEmail", err)
	}
}

func TestRegisterUser_ConcurrentBootstrapSingleSuperuser(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// Distinct emails racing on an empty table: the unique constraint never
	// fires, so only the advisory lock keeps the bootstrap exclusive.
	const racers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	users := make([]*store.User, racers)
	for i := range racers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			u, err := s.RegisterUser(ctx, uuid.NewString()+"@example.com", "Racer", "")
			if err != nil {
				t.Errorf("RegisterUser: %v", err)
				return
			}
			users[i] = u
		}(i)
	}
	close(start)
	wg.Wait()

	var supers int
	for _, u := range users {
		if u != nil && u.IsSuperuser {
			supers++
		}
	}
	if supers != 1 {
		t.Fatalf("%d accounts bootstrapped as superuser, want exactly 1", supers)
	}
}
