package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/settings"
	"qms/walkin-service/internal/store"
)

type Store struct {
	pool              *pgxpool.Pool
	onInvalidSettings func(locationID string, err error)
}

type Options struct {
	// OnInvalidSettings is told about locations skipped because their
	// settings document could not be normalized.
	OnInvalidSettings func(locationID string, err error)
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	onInvalid := options.OnInvalidSettings
	if onInvalid == nil {
		onInvalid = func(string, error) {}
	}
	return &Store{
		pool:              pool,
		onInvalidSettings: onInvalid,
	}
}

const customerColumns = `customer_id, location_id, seq, name, comment, status, joined_at, called_at, completed_at, notification_flags, last_recall_at, recall_count`

func (s *Store) ListEnabledLocations(ctx context.Context) ([]models.Location, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT location_id, name, settings
		FROM locations
		ORDER BY created_at ASC, location_id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list locations")
	}
	defer rows.Close()

	var locations []models.Location
	for rows.Next() {
		var id, name string
		var raw []byte
		if err := rows.Scan(&id, &name, &raw); err != nil {
			return nil, errors.Wrap(err, "scan location")
		}
		cfg, err := settings.Normalize(raw)
		if err != nil {
			s.onInvalidSettings(id, err)
			continue
		}
		if !cfg.Enabled {
			continue
		}
		locations = append(locations, models.Location{LocationID: id, Name: name, Config: cfg})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list locations")
	}
	return locations, nil
}

func (s *Store) GetLocation(ctx context.Context, locationID string) (models.Location, bool, error) {
	if !isUUID(locationID) {
		return models.Location{}, false, nil
	}
	var location models.Location
	var raw []byte
	row := s.pool.QueryRow(ctx, `
		SELECT location_id, name, settings
		FROM locations
		WHERE location_id = $1
	`, locationID)
	if err := row.Scan(&location.LocationID, &location.Name, &raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Location{}, false, nil
		}
		return models.Location{}, false, errors.Wrap(err, "get location")
	}
	cfg, err := settings.Normalize(raw)
	if err != nil {
		return models.Location{}, false, err
	}
	location.Config = cfg
	return location, true, nil
}

func (s *Store) CreateCustomer(ctx context.Context, input store.CreateCustomerInput) (models.Customer, error) {
	if !isUUID(input.LocationID) {
		return models.Customer{}, store.ErrLocationNotFound
	}
	joinedAt := input.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO customers (customer_id, location_id, name, comment, status, joined_at)
		SELECT $1, location_id, $3, $4, $5, $6
		FROM locations
		WHERE location_id = $2
		RETURNING `+customerColumns,
		uuid.NewString(), input.LocationID, input.Name, input.Comment, models.StatusWaiting, joinedAt)
	customer, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Customer{}, store.ErrLocationNotFound
		}
		return models.Customer{}, errors.Wrap(err, "create customer")
	}
	return customer, nil
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (models.Customer, bool, error) {
	if !isUUID(customerID) {
		return models.Customer{}, false, nil
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE customer_id = $1
	`, customerID)
	customer, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Customer{}, false, nil
		}
		return models.Customer{}, false, errors.Wrap(err, "get customer")
	}
	subs, err := s.loadSubscriptions(ctx, []string{customer.CustomerID})
	if err != nil {
		return models.Customer{}, false, err
	}
	customer.Subscriptions = subs[customer.CustomerID]
	return customer, true, nil
}

func (s *Store) FindWaiting(ctx context.Context, locationID string) ([]models.Customer, error) {
	customers, err := s.listCustomers(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE location_id = $1 AND status = ANY($2)
		ORDER BY joined_at ASC, seq ASC
	`, locationID, models.WaitingStatuses)
	return customers, errors.Wrap(err, "find waiting")
}

func (s *Store) FindServing(ctx context.Context, locationID string) ([]models.Customer, error) {
	customers, err := s.listCustomers(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE location_id = $1 AND status = $2
		ORDER BY called_at ASC NULLS FIRST, seq ASC
	`, locationID, models.StatusServing)
	return customers, errors.Wrap(err, "find serving")
}

// listCustomers runs a customer query and attaches each row's subscriptions.
func (s *Store) listCustomers(ctx context.Context, query string, args ...any) ([]models.Customer, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []models.Customer
	var ids []string
	for rows.Next() {
		customer, err := scanCustomer(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan customer")
		}
		customers = append(customers, customer)
		ids = append(ids, customer.CustomerID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return customers, nil
	}

	subs, err := s.loadSubscriptions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range customers {
		customers[i].Subscriptions = subs[customers[i].CustomerID]
	}
	return customers, nil
}

func (s *Store) CountServing(ctx context.Context, locationID string) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM customers
		WHERE location_id = $1 AND status = $2
	`, locationID, models.StatusServing)
	if err := row.Scan(&count); err != nil {
		return 0, errors.Wrap(err, "count serving")
	}
	return count, nil
}

func (s *Store) CountWaitingBefore(ctx context.Context, locationID string, joinedAt time.Time, seq int64) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM customers
		WHERE location_id = $1 AND status = ANY($2)
			AND (joined_at < $3 OR (joined_at = $3 AND seq < $4))
	`, locationID, models.WaitingStatuses, joinedAt, seq)
	if err := row.Scan(&count); err != nil {
		return 0, errors.Wrap(err, "count waiting before")
	}
	return count, nil
}

func (s *Store) ConditionalPromote(ctx context.Context, customerID string, expected []string, calledAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE customers
		SET status = $2, called_at = $3
		WHERE customer_id = $1 AND status = ANY($4)
	`, customerID, models.StatusServing, calledAt, expected)
	if err != nil {
		return false, errors.Wrap(err, "promote customer")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AddMilestone(ctx context.Context, customerID string, milestone int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE customers
		SET notification_flags = array_append(notification_flags, $2::int)
		WHERE customer_id = $1 AND NOT ($2::int = ANY(notification_flags))
	`, customerID, milestone)
	if err != nil {
		return false, errors.Wrap(err, "add milestone")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) HasMilestone(ctx context.Context, customerID string, milestone int) (bool, error) {
	var has bool
	row := s.pool.QueryRow(ctx, `
		SELECT $2::int = ANY(notification_flags)
		FROM customers
		WHERE customer_id = $1
	`, customerID, milestone)
	if err := row.Scan(&has); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, "has milestone")
	}
	return has, nil
}

func (s *Store) SaveSubscription(ctx context.Context, customerID string, sub models.Subscription) error {
	if !isUUID(customerID) {
		return store.ErrCustomerNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO customer_subscriptions (customer_id, endpoint, p256dh, auth)
		SELECT customer_id, $2, $3, $4
		FROM customers
		WHERE customer_id = $1
		ON CONFLICT (customer_id, endpoint) DO UPDATE SET p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth
	`, customerID, sub.Endpoint, sub.P256dh, sub.Auth)
	if err != nil {
		return errors.Wrap(err, "save subscription")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCustomerNotFound
	}
	return nil
}

func (s *Store) RemoveSubscription(ctx context.Context, customerID, endpoint string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM customer_subscriptions
		WHERE customer_id = $1 AND endpoint = $2
	`, customerID, endpoint)
	return errors.Wrap(err, "remove subscription")
}

func (s *Store) RecordRecall(ctx context.Context, customerID string, at time.Time, minGap time.Duration) (bool, error) {
	if !isUUID(customerID) {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE customers
		SET last_recall_at = $3, recall_count = recall_count + 1
		WHERE customer_id = $1 AND status = $2
			AND (last_recall_at IS NULL OR last_recall_at <= $4)
	`, customerID, models.StatusServing, at, at.Add(-minGap))
	if err != nil {
		return false, errors.Wrap(err, "record recall")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteIfStatus(ctx context.Context, customerID, expectedStatus string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM customers
		WHERE customer_id = $1 AND status = $2
	`, customerID, expectedStatus)
	if err != nil {
		return false, errors.Wrap(err, "delete customer")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CompleteCustomer(ctx context.Context, locationID, customerID string, completedAt time.Time) (models.Customer, bool, error) {
	if !isUUID(locationID) || !isUUID(customerID) {
		return models.Customer{}, false, store.ErrCustomerNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Customer{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE customer_id = $1 AND location_id = $2
		FOR UPDATE
	`, customerID, locationID)
	var customer models.Customer
	customer, err = scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Customer{}, false, store.ErrCustomerNotFound
		}
		return models.Customer{}, false, err
	}
	if customer.Status == models.StatusDone {
		if err = tx.Commit(ctx); err != nil {
			return models.Customer{}, false, err
		}
		return customer, false, nil
	}
	if !store.ActionComplete.Allows(customer.Status) {
		err = store.ErrInvalidState
		return models.Customer{}, false, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE customers
		SET status = $2, completed_at = $3
		WHERE customer_id = $1
	`, customerID, models.StatusDone, completedAt); err != nil {
		return models.Customer{}, false, err
	}

	called := completedAt
	if customer.CalledAt != nil {
		called = *customer.CalledAt
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO queue_history (history_id, location_id, customer_name, joined_at, completed_at, wait_minutes, service_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), locationID, customer.Name, customer.JoinedAt, completedAt,
		store.MinutesBetween(customer.JoinedAt, called), store.MinutesBetween(called, completedAt)); err != nil {
		return models.Customer{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Customer{}, false, err
	}
	customer.Status = models.StatusDone
	customer.CompletedAt = &completedAt
	return customer, true, nil
}

func (s *Store) loadSubscriptions(ctx context.Context, customerIDs []string) (map[string][]models.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT customer_id, endpoint, p256dh, auth
		FROM customer_subscriptions
		WHERE customer_id = ANY($1)
		ORDER BY created_at ASC
	`, customerIDs)
	if err != nil {
		return nil, errors.Wrap(err, "load subscriptions")
	}
	defer rows.Close()

	subs := make(map[string][]models.Subscription)
	for rows.Next() {
		var customerID string
		var sub models.Subscription
		if err := rows.Scan(&customerID, &sub.Endpoint, &sub.P256dh, &sub.Auth); err != nil {
			return nil, errors.Wrap(err, "scan subscription")
		}
		subs[customerID] = append(subs[customerID], sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "load subscriptions")
	}
	return subs, nil
}

func scanCustomer(row pgx.Row) (models.Customer, error) {
	var customer models.Customer
	var calledAt, completedAt, recalledAt sql.NullTime
	var flags []int32
	if err := row.Scan(
		&customer.CustomerID,
		&customer.LocationID,
		&customer.Seq,
		&customer.Name,
		&customer.Comment,
		&customer.Status,
		&customer.JoinedAt,
		&calledAt,
		&completedAt,
		&flags,
		&recalledAt,
		&customer.RecallCount,
	); err != nil {
		return models.Customer{}, err
	}
	customer.CalledAt = nullTimePtr(calledAt)
	customer.CompletedAt = nullTimePtr(completedAt)
	customer.LastRecallAt = nullTimePtr(recalledAt)
	customer.NotificationFlags = make([]int, 0, len(flags))
	for _, flag := range flags {
		customer.NotificationFlags = append(customer.NotificationFlags, int(flag))
	}
	return customer, nil
}

func isUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
