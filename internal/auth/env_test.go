package auth_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/store/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	ctx      context.Context
	store    *memory.Store
	clock    *clock
	codec    *auth.Codec
	graph    *auth.PermissionGraph
	svc      *auth.Service
	accounts *auth.Accounts
	owner    auth.Identity
	org      auth.Organization
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T, opts ...auth.ServiceOption) *env {
	t.Helper()
	ctx := context.Background()
	clk := &clock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	st := memory.New()

	codec, err := auth.NewCodec(auth.CodecConfig{
		Issuer: "tenantgate-test",
		Keys:   []auth.SigningKey{{ID: "test", Secret: []byte("0123456789abcdef0123456789abcdef")}},
	}, auth.WithCodecClock(clk.Now))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	grants, err := st.Permissions(ctx).Grants(ctx)
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	graph := auth.NewPermissionGraph(grants)

	base := []auth.ServiceOption{
		auth.WithClock(clk.Now),
		auth.WithLogger(quietLogger()),
		auth.WithPasswordHasher(auth.NewPasswordHasher(bcrypt.MinCost, 4)),
	}
	svc, err := auth.NewService(st, codec, graph, append(base, opts...)...)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	accounts, err := auth.NewAccounts(st, svc, auth.WithAccountsClock(clk.Now), auth.WithAccountsLogger(quietLogger()))
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	reg, err := accounts.Register(ctx, auth.RegisterRequest{
		OrganizationName:  "Acme",
		OrganizationEmail: "ops@acme.test",
		Login:             "owner",
		Email:             "owner@acme.test",
		Password:          "owner-pass",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return &env{
		ctx:      ctx,
		store:    st,
		clock:    clk,
		codec:    codec,
		graph:    graph,
		svc:      svc,
		accounts: accounts,
		owner:    reg.Auth.Identity,
		org:      reg.Organization,
	}
}

// addUser creates a user in the owner's organization.
func (e *env) addUser(t *testing.T, login, password, role string) auth.User {
	t.Helper()
	u, err := e.accounts.CreateUser(e.ctx, e.owner, auth.CreateUserRequest{
		Login:    login,
		Email:    login + "@acme.test",
		Password: password,
		Role:     role,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", login, err)
	}
	return u
}

func (e *env) login(t *testing.T, login, password string) auth.AuthResult {
	t.Helper()
	res, err := e.svc.Login(e.ctx, login, password)
	if err != nil {
		t.Fatalf("login %s: %v", login, err)
	}
	return res
}
