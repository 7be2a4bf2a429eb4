package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/veil/internal/services/auth/phone"
	"github.com/louisbranch/veil/internal/services/auth/scope"
	"github.com/louisbranch/veil/internal/services/auth/storage"
	"github.com/louisbranch/veil/internal/services/auth/user"
)

const userColumns = `id, password_hash, first_name, last_name, nickname, gender, date_of_birth,
	place_of_birth, nationality, timezone, locale, profile_photo, test_client_id, created_at, updated_at`

// PutUser inserts or updates a user record.
func (q queries) PutUser(ctx context.Context, u user.User) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	p := u.Profile
	_, err := q.db.ExecContext(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	password_hash = excluded.password_hash,
	first_name = excluded.first_name,
	last_name = excluded.last_name,
	nickname = excluded.nickname,
	gender = excluded.gender,
	date_of_birth = excluded.date_of_birth,
	place_of_birth = excluded.place_of_birth,
	nationality = excluded.nationality,
	timezone = excluded.timezone,
	locale = excluded.locale,
	profile_photo = excluded.profile_photo,
	test_client_id = excluded.test_client_id,
	updated_at = excluded.updated_at
`,
		u.ID,
		u.PasswordHash,
		p.Get(scope.FirstName),
		p.Get(scope.LastName),
		p.Get(scope.Nickname),
		p.Get(scope.Gender),
		p.Get(scope.DateOfBirth),
		p.Get(scope.PlaceOfBirth),
		p.Get(scope.Nationality),
		p.Get(scope.Timezone),
		p.Get(scope.Locale),
		p.Get(scope.ProfilePhoto),
		u.TestClientID,
		toMillis(u.CreatedAt),
		toMillis(u.UpdatedAt),
	)
	if err != nil {
		return mapError(fmt.Errorf("put user: %w", err))
	}
	return nil
}

// GetUser fetches a user record by ID.
func (q queries) GetUser(ctx context.Context, userID string) (user.User, error) {
	if err := q.ensure(ctx); err != nil {
		return user.User{}, err
	}
	row := q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	u, err := scanUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, storage.ErrNotFound
	}
	if err != nil {
		return user.User{}, mapError(fmt.Errorf("get user: %w", err))
	}
	return u, nil
}

// FindUserByEmail fetches the owner of an email address.
func (q queries) FindUserByEmail(ctx context.Context, address string) (user.User, error) {
	if err := q.ensure(ctx); err != nil {
		return user.User{}, err
	}
	row := q.db.QueryRowContext(ctx, `
SELECT `+userColumns+`
FROM users
WHERE id = (SELECT user_id FROM emails WHERE address = ?)`, strings.ToLower(strings.TrimSpace(address)))
	u, err := scanUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, storage.ErrNotFound
	}
	if err != nil {
		return user.User{}, mapError(fmt.Errorf("find user by email: %w", err))
	}
	return u, nil
}

// DeleteUser removes a user with its children, grants, mappings and tokens.
func (q queries) DeleteUser(ctx context.Context, userID string) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM emails WHERE user_id = ?`,
		`DELETE FROM phone_numbers WHERE user_id = ?`,
		`DELETE FROM addresses WHERE user_id = ?`,
		`DELETE FROM authorized_entities WHERE user_id = ?`,
		`DELETE FROM authorizations WHERE user_id = ?`,
		`DELETE FROM identifier_mappings WHERE user_id = ?`,
		`DELETE FROM access_tokens WHERE user_id = ?`,
	} {
		if _, err := q.db.ExecContext(ctx, stmt, userID); err != nil {
			return mapError(fmt.Errorf("delete user: %w", err))
		}
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return mapError(fmt.Errorf("delete user: %w", err))
	}
	return requireAffected(res, "delete user")
}

// PutEmail inserts or updates an email record.
func (q queries) PutEmail(ctx context.Context, e user.Email) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("email id and user id are required")
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO emails (id, user_id, address, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	address = excluded.address,
	updated_at = excluded.updated_at
`, e.ID, e.UserID, e.Address, toMillis(e.CreatedAt), toMillis(e.UpdatedAt))
	if err != nil {
		return mapError(fmt.Errorf("put email: %w", err))
	}
	return nil
}

// PutPhoneNumber inserts or updates a phone number record.
func (q queries) PutPhoneNumber(ctx context.Context, p user.PhoneNumber) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("phone number id and user id are required")
	}
	kind := p.Type
	if kind == "" {
		kind = phone.TypeUnknown
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO phone_numbers (id, user_id, number, country, phone_type, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	number = excluded.number,
	country = excluded.country,
	phone_type = excluded.phone_type,
	updated_at = excluded.updated_at
`, p.ID, p.UserID, p.Number, p.Country, string(kind), toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return mapError(fmt.Errorf("put phone number: %w", err))
	}
	return nil
}

// PutAddress inserts or updates an address record.
func (q queries) PutAddress(ctx context.Context, a user.Address) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.UserID) == "" {
		return fmt.Errorf("address id and user id are required")
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO addresses (id, user_id, full_name, line1, line2, postal_code, city, country, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	full_name = excluded.full_name,
	line1 = excluded.line1,
	line2 = excluded.line2,
	postal_code = excluded.postal_code,
	city = excluded.city,
	country = excluded.country,
	updated_at = excluded.updated_at
`, a.ID, a.UserID, a.FullName, a.Line1, a.Line2, a.PostalCode, a.City, a.Country, toMillis(a.CreatedAt), toMillis(a.UpdatedAt))
	if err != nil {
		return mapError(fmt.Errorf("put address: %w", err))
	}
	return nil
}

// DeleteEmail removes an email record.
func (q queries) DeleteEmail(ctx context.Context, emailID string) error {
	return q.deleteByID(ctx, "emails", emailID)
}

// DeletePhoneNumber removes a phone number record.
func (q queries) DeletePhoneNumber(ctx context.Context, phoneID string) error {
	return q.deleteByID(ctx, "phone_numbers", phoneID)
}

// DeleteAddress removes an address record.
func (q queries) DeleteAddress(ctx context.Context, addressID string) error {
	return q.deleteByID(ctx, "addresses", addressID)
}

func (q queries) deleteByID(ctx context.Context, table, id string) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return mapError(fmt.Errorf("delete from %s: %w", table, err))
	}
	return requireAffected(res, "delete from "+table)
}

// FindByOwner loads every child record of a user.
func (q queries) FindByOwner(ctx context.Context, userID string) (user.Entities, error) {
	if err := q.ensure(ctx); err != nil {
		return user.Entities{}, err
	}
	var out user.Entities
	var err error
	if out.Emails, err = q.listEmails(ctx, `WHERE user_id = ?`, userID); err != nil {
		return user.Entities{}, err
	}
	if out.PhoneNumbers, err = q.listPhoneNumbers(ctx, `WHERE user_id = ?`, userID); err != nil {
		return user.Entities{}, err
	}
	if out.Addresses, err = q.listAddresses(ctx, `WHERE user_id = ?`, userID); err != nil {
		return user.Entities{}, err
	}
	return out, nil
}

// FindByIDs loads the records of category c with the given ids. Missing ids
// are skipped.
func (q queries) FindByIDs(ctx context.Context, c scope.Category, ids []string) (user.Entities, error) {
	if err := q.ensure(ctx); err != nil {
		return user.Entities{}, err
	}
	if len(ids) == 0 {
		return user.Entities{}, nil
	}
	where := `WHERE id IN (?` + strings.Repeat(`, ?`, len(ids)-1) + `)`
	args := make([]any, len(ids))
	for i, v := range ids {
		args[i] = v
	}
	var out user.Entities
	var err error
	switch c {
	case scope.Emails:
		out.Emails, err = q.listEmails(ctx, where, args...)
	case scope.PhoneNumbers:
		out.PhoneNumbers, err = q.listPhoneNumbers(ctx, where, args...)
	case scope.Addresses:
		out.Addresses, err = q.listAddresses(ctx, where, args...)
	default:
		return user.Entities{}, fmt.Errorf("unknown category %q", c)
	}
	if err != nil {
		return user.Entities{}, err
	}
	return out, nil
}

func (q queries) listEmails(ctx context.Context, where string, args ...any) ([]user.Email, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, user_id, address, created_at, updated_at
FROM emails `+where+`
ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("list emails: %w", err))
	}
	defer rows.Close()

	var out []user.Email
	for rows.Next() {
		var e user.Email
		var createdAt, updatedAt int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Address, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		e.CreatedAt = fromMillis(createdAt)
		e.UpdatedAt = fromMillis(updatedAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(fmt.Errorf("list emails: %w", err))
	}
	return out, nil
}

func (q queries) listPhoneNumbers(ctx context.Context, where string, args ...any) ([]user.PhoneNumber, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, user_id, number, country, phone_type, created_at, updated_at
FROM phone_numbers `+where+`
ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("list phone numbers: %w", err))
	}
	defer rows.Close()

	var out []user.PhoneNumber
	for rows.Next() {
		var p user.PhoneNumber
		var kind string
		var createdAt, updatedAt int64
		if err := rows.Scan(&p.ID, &p.UserID, &p.Number, &p.Country, &kind, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan phone number: %w", err)
		}
		p.Type = phone.ParseType(kind)
		p.CreatedAt = fromMillis(createdAt)
		p.UpdatedAt = fromMillis(updatedAt)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(fmt.Errorf("list phone numbers: %w", err))
	}
	return out, nil
}

func (q queries) listAddresses(ctx context.Context, where string, args ...any) ([]user.Address, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, user_id, full_name, line1, line2, postal_code, city, country, created_at, updated_at
FROM addresses `+where+`
ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("list addresses: %w", err))
	}
	defer rows.Close()

	var out []user.Address
	for rows.Next() {
		var a user.Address
		var createdAt, updatedAt int64
		if err := rows.Scan(&a.ID, &a.UserID, &a.FullName, &a.Line1, &a.Line2, &a.PostalCode, &a.City, &a.Country, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		a.CreatedAt = fromMillis(createdAt)
		a.UpdatedAt = fromMillis(updatedAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(fmt.Errorf("list addresses: %w", err))
	}
	return out, nil
}

func scanUser(scan func(dest ...any) error) (user.User, error) {
	var u user.User
	values := make([]string, len(scope.Fields))
	dest := []any{&u.ID, &u.PasswordHash}
	for i := range values {
		dest = append(dest, &values[i])
	}
	var createdAt, updatedAt int64
	dest = append(dest, &u.TestClientID, &createdAt, &updatedAt)
	if err := scan(dest...); err != nil {
		return user.User{}, err
	}
	u.Profile = user.Profile{}
	for i, f := range scope.Fields {
		if values[i] != "" {
			u.Profile[f] = values[i]
		}
	}
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
