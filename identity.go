package blogapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"
)

// Identity is the account service: credentials, email verification and
// password recovery. Profiles live in the entity store, not here.
type Identity interface {
	SignUp(ctx context.Context, email, password string) (string, error)
	SignIn(ctx context.Context, email, password string) (string, error)
	SendVerificationEmail(ctx context.Context, userID string) error
	Verify(ctx context.Context, token string) (string, error)
	SendPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error
	DeleteAccount(ctx context.Context, userID string) error
}

// Mailer delivers account emails.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer writes emails to the log instead of sending them.
type LogMailer struct {
	logger *log.Logger
}

// NewLogMailer returns a Mailer for development setups without SMTP.
func NewLogMailer() *LogMailer {
	return &LogMailer{logger: log.New("mail")}
}

func (m *LogMailer) Send(_ context.Context, to, subject, body string) error {
	m.logger.Infof("to=%s subject=%q\n%s", to, subject, body)
	return nil
}

const (
	minPasswordLen  = 6
	verifyTokenTTL  = 24 * time.Hour
	resetTokenTTL   = time.Hour
	purposeVerify   = "verify"
	purposeReset    = "reset"
	uniqueViolation = "UNIQUE constraint failed"
)

// LocalIdentity keeps accounts in their own SQLite database with bcrypt
// password hashes.
type LocalIdentity struct {
	db      *sql.DB
	mailer  Mailer
	baseURL string
	cost    int
}

// NewLocalIdentity opens the account database at path. Links in emails
// point at baseURL.
func NewLocalIdentity(path string, mailer Mailer, baseURL string) (*LocalIdentity, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	id := &LocalIdentity{db: db, mailer: mailer, baseURL: strings.TrimRight(baseURL, "/"), cost: bcrypt.DefaultCost}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE COLLATE NOCASE,
    password_hash TEXT NOT NULL,
    verified INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS account_tokens (
    token TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    purpose TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);
`); err != nil {
		db.Close()
		return nil, err
	}
	return id, nil
}

// Close closes the account database.
func (i *LocalIdentity) Close() error {
	return i.db.Close()
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", required("email")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid("email", "is not a valid address")
	}
	return strings.ToLower(email), nil
}

func checkPassword(field, password string) error {
	if password == "" {
		return required(field)
	}
	if len(password) < minPasswordLen {
		return invalid(field, fmt.Sprintf("must be at least %d characters", minPasswordLen))
	}
	return nil
}

// SignUp creates an unverified account and returns its id.
func (i *LocalIdentity) SignUp(ctx context.Context, email, password string) (string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	if err := checkPassword("password", password); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), i.cost)
	if err != nil {
		return "", err
	}
	id := ulid.Make().String()
	_, err = i.db.ExecContext(ctx, `INSERT INTO accounts (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		id, email, string(hash), time.Now().UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), uniqueViolation) {
			return "", invalid("email", "is already registered")
		}
		return "", storeErr("sign up", err)
	}
	return id, nil
}

// SignIn checks credentials. Unverified accounts are refused with ErrUnverified.
func (i *LocalIdentity) SignIn(ctx context.Context, email, password string) (string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", required("password")
	}
	var id, hash string
	var verified bool
	err = i.db.QueryRowContext(ctx, `SELECT id, password_hash, verified FROM accounts WHERE email = ?`, email).
		Scan(&id, &hash, &verified)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", storeErr("sign in", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}
	if !verified {
		return "", ErrUnverified
	}
	return id, nil
}

// SendVerificationEmail mails a fresh verification link to the account.
func (i *LocalIdentity) SendVerificationEmail(ctx context.Context, userID string) error {
	var email string
	err := i.db.QueryRowContext(ctx, `SELECT email FROM accounts WHERE id = ?`, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return storeErr("send verification", err)
	}
	token, err := i.issueToken(ctx, userID, purposeVerify, verifyTokenTTL)
	if err != nil {
		return err
	}
	return i.mailer.Send(ctx, email, "Verify your email",
		fmt.Sprintf("Open this link to verify your account:\n%s/verify?token=%s", i.baseURL, token))
}

// Verify consumes a verification token and returns the verified account id.
func (i *LocalIdentity) Verify(ctx context.Context, token string) (string, error) {
	id, err := i.consumeToken(ctx, token, purposeVerify)
	if err != nil {
		return "", err
	}
	if _, err := i.db.ExecContext(ctx, `UPDATE accounts SET verified = 1 WHERE id = ?`, id); err != nil {
		return "", storeErr("verify", err)
	}
	return id, nil
}

// SendPasswordReset mails a reset link to the account registered under email.
func (i *LocalIdentity) SendPasswordReset(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	var id string
	err = i.db.QueryRowContext(ctx, `SELECT id FROM accounts WHERE email = ?`, email).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return storeErr("send password reset", err)
	}
	token, err := i.issueToken(ctx, id, purposeReset, resetTokenTTL)
	if err != nil {
		return err
	}
	return i.mailer.Send(ctx, email, "Reset your password",
		fmt.Sprintf("Open this link to choose a new password:\n%s/reset?token=%s", i.baseURL, token))
}

// ResetPassword consumes a reset token and sets a new password.
func (i *LocalIdentity) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := checkPassword("newPassword", newPassword); err != nil {
		return err
	}
	id, err := i.consumeToken(ctx, token, purposeReset)
	if err != nil {
		return err
	}
	return i.setPassword(ctx, id, newPassword)
}

// ChangePassword re-authenticates with the old password before replacing it.
func (i *LocalIdentity) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if oldPassword == "" {
		return required("oldPassword")
	}
	if err := checkPassword("newPassword", newPassword); err != nil {
		return err
	}
	var hash string
	err := i.db.QueryRowContext(ctx, `SELECT password_hash FROM accounts WHERE id = ?`, userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return storeErr("change password", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(oldPassword)) != nil {
		return ErrInvalidCredentials
	}
	return i.setPassword(ctx, userID, newPassword)
}

// DeleteAccount removes an account and its outstanding tokens.
func (i *LocalIdentity) DeleteAccount(ctx context.Context, userID string) error {
	res, err := i.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, userID)
	if err != nil {
		return storeErr("delete account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (i *LocalIdentity) setPassword(ctx context.Context, id, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), i.cost)
	if err != nil {
		return err
	}
	_, err = i.db.ExecContext(ctx, `UPDATE accounts SET password_hash = ? WHERE id = ?`, string(hash), id)
	return storeErr("set password", err)
}

func (i *LocalIdentity) issueToken(ctx context.Context, accountID, purpose string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	_, err := i.db.ExecContext(ctx, `INSERT INTO account_tokens (token, account_id, purpose, expires_at) VALUES (?, ?, ?, ?)`,
		token, accountID, purpose, time.Now().Add(ttl).UnixMilli())
	if err != nil {
		return "", storeErr("issue token", err)
	}
	return token, nil
}

// consumeToken deletes a token and returns its account id. Expired and
// unknown tokens both fail with ErrInvalidToken.
func (i *LocalIdentity) consumeToken(ctx context.Context, token, purpose string) (string, error) {
	if token == "" {
		return "", required("token")
	}
	var id string
	var expires int64
	err := i.db.QueryRowContext(ctx, `DELETE FROM account_tokens WHERE token = ? AND purpose = ? RETURNING account_id, expires_at`,
		token, purpose).Scan(&id, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", storeErr("consume token", err)
	}
	if time.Now().UnixMilli() > expires {
		return "", ErrInvalidToken
	}
	return id, nil
}
