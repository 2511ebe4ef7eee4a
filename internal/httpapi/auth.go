package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"tokoledger/backend/internal/domain"
)

const (
	tokenIssuer     = "tokoledger"
	userSyncTimeout = 3 * time.Second
	unsetManagerPIN = "disabled"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
)

// UserStore persists the accounts that may sign in at a till.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// AuthManager signs actor tokens and keeps an in-process copy of the user
// accounts, re-synced from the UserStore before each lookup.
type AuthManager struct {
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
	userStore  UserStore

	mu       sync.RWMutex
	accounts map[string]domain.UserAccount
}

type actorClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	a := &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: hashManagerPIN(managerPIN),
		userStore:  userStore,
		accounts:   make(map[string]domain.UserAccount),
	}
	a.syncUsers(context.Background())
	return a
}

func hashManagerPIN(pin string) string {
	pin = strings.TrimSpace(pin)
	if pin == "" {
		pin = unsetManagerPIN
	}
	hashed, err := hashPassword(pin)
	if err != nil {
		return pin
	}
	return hashed
}

func normalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func (a *AuthManager) account(username string) (domain.UserAccount, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	account, ok := a.accounts[username]
	return account, ok
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.syncUsers(ctx)
	username := normalizeUsername(req.Username)

	account, ok := a.account(username)
	if !ok || !verifyPassword(account.Password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, account.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign token: %w", err)
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        account.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken turns a bearer token into the Actor the service layer
// authorizes against.
func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	var claims actorClaims
	_, err := jwtlib.ParseWithClaims(raw, &claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}), jwtlib.WithIssuer(tokenIssuer), jwtlib.WithExpirationRequired())
	if err != nil {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	if claims.Subject == "" || claims.Role == "" {
		return domain.Actor{}, errors.New("token carries no actor")
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username string, role string, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	claims := actorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateManagerPIN gates voids. An unset PIN never validates.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	pin = strings.TrimSpace(pin)
	if pin == "" || pin == unsetManagerPIN {
		return false
	}
	return verifyPassword(a.managerPIN, pin)
}

func (a *AuthManager) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) (domain.CashierUser, error) {
	a.syncUsers(ctx)
	username := normalizeUsername(req.Username)
	if err := validateCashierRequest(username, req.Password); err != nil {
		return domain.CashierUser{}, err
	}
	if _, taken := a.account(username); taken {
		return domain.CashierUser{}, domain.Invalid("username", "already exists")
	}

	hashed, err := hashPassword(req.Password)
	if err != nil {
		return domain.CashierUser{}, fmt.Errorf("hash password: %w", err)
	}
	account := domain.UserAccount{
		Username:  username,
		Password:  hashed,
		Role:      domain.RoleCashier,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if a.userStore != nil {
		if err := a.userStore.CreateUser(ctx, account); err != nil {
			return domain.CashierUser{}, err
		}
	}

	a.mu.Lock()
	a.accounts[username] = account
	a.mu.Unlock()
	return cashierView(account), nil
}

func validateCashierRequest(username string, password string) error {
	switch {
	case len(username) < 4:
		return domain.Invalid("username", "must be at least 4 characters")
	case strings.ContainsAny(username, " \t\r\n"):
		return domain.Invalid("username", "must not contain spaces")
	case len(strings.TrimSpace(password)) < 6:
		return domain.Invalid("password", "must be at least 6 characters")
	}
	return nil
}

// ListCashiers returns cashier accounts sorted by username. Admins are left out.
func (a *AuthManager) ListCashiers(ctx context.Context) []domain.CashierUser {
	a.syncUsers(ctx)

	a.mu.RLock()
	cashiers := make([]domain.CashierUser, 0, len(a.accounts))
	for _, account := range a.accounts {
		if account.Role == domain.RoleCashier {
			cashiers = append(cashiers, cashierView(account))
		}
	}
	a.mu.RUnlock()

	sort.Slice(cashiers, func(i, j int) bool { return cashiers[i].Username < cashiers[j].Username })
	return cashiers
}

func cashierView(account domain.UserAccount) domain.CashierUser {
	return domain.CashierUser{
		Username:  account.Username,
		Role:      account.Role,
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
	}
}

// syncUsers reloads accounts from the store. Plain-text passwords left by
// older seeds are rehashed and written back.
func (a *AuthManager) syncUsers(ctx context.Context) {
	if a.userStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, userSyncTimeout)
	defer cancel()

	stored, err := a.userStore.ListUsers(ctx)
	if err != nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, account := range stored {
		account.Username = normalizeUsername(account.Username)
		if account.Username == "" {
			continue
		}
		if !isPasswordHash(account.Password) {
			hashed, err := hashPassword(account.Password)
			if err != nil {
				continue
			}
			account.Password = hashed
			_ = a.userStore.UpdateUserPassword(ctx, account.Username, hashed)
		}
		a.accounts[account.Username] = account
	}
}

func verifyPassword(stored string, input string) bool {
	if strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func isPasswordHash(value string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
