package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/provsync/internal/ir"
)

const accountColumns = `id, system_id, entity_type, uid, enabled, attributes, created_at, updated_at`

// CreateAccount inserts an account. Duplicate (system, entity type, UID)
// returns an error; duplicate IDs are ignored.
func (s *Store) CreateAccount(ctx context.Context, a ir.Account) error {
	return createAccount(ctx, s.db, a)
}

// CreateAccount inserts an account inside the transaction.
func (t *Tx) CreateAccount(ctx context.Context, a ir.Account) error {
	return createAccount(ctx, t.tx, a)
}

func createAccount(ctx context.Context, q querier, a ir.Account) error {
	attrs, err := marshalAttrs(a.Attributes)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		a.ID, a.SystemID, a.EntityType, a.UID, boolToInt(a.Enabled), attrs,
		toNanos(a.CreatedAt), toNanos(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// GetAccount returns the account with the given ID or ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, id string) (ir.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err != nil {
		return ir.Account{}, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

// FindAccount looks an account up by its target-system identity.
func (s *Store) FindAccount(ctx context.Context, systemID, entityType, uid string) (ir.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE system_id = ? AND entity_type = ? AND uid = ?
	`, systemID, entityType, uid)
	a, err := scanAccount(row)
	if err != nil {
		return ir.Account{}, fmt.Errorf("find account %s/%s/%s: %w", systemID, entityType, uid, err)
	}
	return a, nil
}

// ListAccounts returns the accounts of (system, entity type) ordered by UID.
func (s *Store) ListAccounts(ctx context.Context, systemID, entityType string) ([]ir.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE system_id = ? AND entity_type = ?
		ORDER BY uid COLLATE BINARY ASC, id COLLATE BINARY ASC
	`, systemID, entityType)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []ir.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

// UpdateAccountAttributes replaces the attribute set of an account.
func (s *Store) UpdateAccountAttributes(ctx context.Context, id string, attrs ir.Attrs, now time.Time) error {
	return updateAccountAttributes(ctx, s.db, id, attrs, now)
}

// UpdateAccountAttributes replaces the attribute set inside the transaction.
func (t *Tx) UpdateAccountAttributes(ctx context.Context, id string, attrs ir.Attrs, now time.Time) error {
	return updateAccountAttributes(ctx, t.tx, id, attrs, now)
}

func updateAccountAttributes(ctx context.Context, q querier, id string, attrs ir.Attrs, now time.Time) error {
	data, err := marshalAttrs(attrs)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE accounts SET attributes = ?, updated_at = ? WHERE id = ?
	`, data, toNanos(now), id)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return requireAffected(res, "update account "+id)
}

// SetAccountEnabled flips the enabled flag of an account.
func (s *Store) SetAccountEnabled(ctx context.Context, id string, enabled bool, now time.Time) error {
	return setAccountEnabled(ctx, s.db, id, enabled, now)
}

// SetAccountEnabled flips the enabled flag inside the transaction.
func (t *Tx) SetAccountEnabled(ctx context.Context, id string, enabled bool, now time.Time) error {
	return setAccountEnabled(ctx, t.tx, id, enabled, now)
}

func setAccountEnabled(ctx context.Context, q querier, id string, enabled bool, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE accounts SET enabled = ?, updated_at = ? WHERE id = ?
	`, boolToInt(enabled), toNanos(now), id)
	if err != nil {
		return fmt.Errorf("set account enabled: %w", err)
	}
	return requireAffected(res, "set account enabled "+id)
}

// DeleteAccount removes an account and all of its identity links in one
// transaction. Deleting a missing account is not an error.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx *Tx) error {
		return tx.DeleteAccount(ctx, id)
	})
}

// DeleteAccount removes an account and its identity links inside the
// transaction.
func (t *Tx) DeleteAccount(ctx context.Context, id string) error {
	if _, err := unlinkAccount(ctx, t.tx, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// LinkIdentity records that an identity owns an account.
func (s *Store) LinkIdentity(ctx context.Context, link ir.IdentityAccount) error {
	return linkIdentity(ctx, s.db, link)
}

// LinkIdentity records an identity link inside the transaction.
func (t *Tx) LinkIdentity(ctx context.Context, link ir.IdentityAccount) error {
	return linkIdentity(ctx, t.tx, link)
}

func linkIdentity(ctx context.Context, q querier, link ir.IdentityAccount) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO identity_accounts (id, identity_id, account_id, role_system_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, link.ID, link.IdentityID, link.AccountID, nullString(link.RoleSystemID))
	if err != nil {
		return fmt.Errorf("link identity: %w", err)
	}
	return nil
}

// UnlinkAccount removes every identity link of an account and returns how
// many were removed.
func (s *Store) UnlinkAccount(ctx context.Context, accountID string) (int64, error) {
	return unlinkAccount(ctx, s.db, accountID)
}

// UnlinkAccount removes identity links inside the transaction.
func (t *Tx) UnlinkAccount(ctx context.Context, accountID string) (int64, error) {
	return unlinkAccount(ctx, t.tx, accountID)
}

func unlinkAccount(ctx context.Context, q querier, accountID string) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM identity_accounts WHERE account_id = ?`, accountID)
	if err != nil {
		return 0, fmt.Errorf("unlink account: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListIdentityLinks returns the identity links of an account.
func (s *Store) ListIdentityLinks(ctx context.Context, accountID string) ([]ir.IdentityAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_id, account_id, COALESCE(role_system_id, '')
		FROM identity_accounts
		WHERE account_id = ?
		ORDER BY identity_id COLLATE BINARY ASC, id COLLATE BINARY ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list identity links: %w", err)
	}
	defer rows.Close()

	var out []ir.IdentityAccount
	for rows.Next() {
		var l ir.IdentityAccount
		if err := rows.Scan(&l.ID, &l.IdentityID, &l.AccountID, &l.RoleSystemID); err != nil {
			return nil, fmt.Errorf("list identity links: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ir.Account, error) {
	var (
		a                    ir.Account
		enabled              int
		attrs                string
		createdAt, updatedAt int64
	)
	err := row.Scan(&a.ID, &a.SystemID, &a.EntityType, &a.UID, &enabled, &attrs, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Account{}, ErrNotFound
	}
	if err != nil {
		return ir.Account{}, err
	}
	a.Enabled = enabled != 0
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	if a.Attributes, err = unmarshalAttrs(attrs); err != nil {
		return ir.Account{}, err
	}
	return a, nil
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
