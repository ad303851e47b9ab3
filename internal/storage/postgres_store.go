package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/order-tracking/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) SaveOrder(ctx context.Context, o *models.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	var lat, lon sql.NullFloat64
	if o.DeliveryCoord != nil {
		lat = sql.NullFloat64{Float64: o.DeliveryCoord.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: o.DeliveryCoord.Lon, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders(id, user_id, restaurant_id, items, subtotal, delivery_fee, tax, platform_fee, tip, total,
			status, payment_status, delivery_address, delivery_lat, delivery_lon,
			created_at, estimated_delivery_time, updated_at, cancellation_reason)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			payment_status = EXCLUDED.payment_status,
			updated_at = EXCLUDED.updated_at,
			cancellation_reason = EXCLUDED.cancellation_reason`,
		o.ID, o.UserID, o.RestaurantID, items, o.Subtotal, o.DeliveryFee, o.Tax, o.PlatformFee, o.Tip, o.Total,
		string(o.Status), string(o.PaymentStatus), o.DeliveryAddress, lat, lon,
		o.CreatedAt, o.EstimatedDeliveryTime, o.UpdatedAt, nullString(o.CancellationReason))
	return err
}

const orderColumns = `o.id, o.user_id, o.restaurant_id, o.items, o.subtotal, o.delivery_fee, o.tax, o.platform_fee, o.tip, o.total,
	o.status, o.payment_status, o.delivery_address, o.delivery_lat, o.delivery_lon,
	o.created_at, o.estimated_delivery_time, o.updated_at, o.cancellation_reason,
	d.id, d.driver_id, d.status, d.pickup_lat, d.pickup_lon, d.dropoff_lat, d.dropoff_lon, d.distance_m, d.updated_at`

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders o LEFT JOIN deliveries d ON d.order_id = o.id
		WHERE o.id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, error) {
	where := "1=1"
	args := []any{}
	switch {
	case f.UserID != "":
		args = append(args, f.UserID)
		where = fmt.Sprintf("o.user_id = $%d", len(args))
	case f.RestaurantID != "":
		args = append(args, f.RestaurantID)
		where = fmt.Sprintf("o.restaurant_id = $%d", len(args))
	case len(f.IDs) > 0:
		args = append(args, pq.Array(f.IDs))
		where = fmt.Sprintf("o.id = ANY($%d)", len(args))
	}
	if len(f.PaymentStatuses) > 0 {
		ps := make([]string, len(f.PaymentStatuses))
		for i, s := range f.PaymentStatuses {
			ps[i] = string(s)
		}
		args = append(args, pq.Array(ps))
		where += fmt.Sprintf(" AND o.payment_status = ANY($%d)", len(args))
	}
	limit := ""
	if f.Limit > 0 {
		args = append(args, f.Limit)
		limit = fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders o LEFT JOIN deliveries d ON d.order_id = o.id
		WHERE `+where+`
		ORDER BY o.created_at DESC`+limit, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*models.Order, error) {
	var o models.Order
	var items []byte
	var lat, lon sql.NullFloat64
	var reason sql.NullString
	var dID, dDriver, dStatus sql.NullString
	var dpLat, dpLon, ddLat, ddLon, dDist sql.NullFloat64
	var dUpdated sql.NullTime

	err := row.Scan(&o.ID, &o.UserID, &o.RestaurantID, &items, &o.Subtotal, &o.DeliveryFee, &o.Tax, &o.PlatformFee, &o.Tip, &o.Total,
		&o.Status, &o.PaymentStatus, &o.DeliveryAddress, &lat, &lon,
		&o.CreatedAt, &o.EstimatedDeliveryTime, &o.UpdatedAt, &reason,
		&dID, &dDriver, &dStatus, &dpLat, &dpLon, &ddLat, &ddLon, &dDist, &dUpdated)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, err
		}
	}
	if lat.Valid && lon.Valid {
		o.DeliveryCoord = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	o.CancellationReason = reason.String
	if dID.Valid {
		d := &models.Delivery{ID: dID.String, OrderID: o.ID, DriverID: dDriver.String, Status: models.DeliveryStatus(dStatus.String), DistanceM: dDist.Float64}
		if dpLat.Valid && dpLon.Valid {
			d.Pickup = &models.Coord{Lat: dpLat.Float64, Lon: dpLon.Float64}
		}
		if ddLat.Valid && ddLon.Valid {
			d.Dropoff = &models.Coord{Lat: ddLat.Float64, Lon: ddLon.Float64}
		}
		if dUpdated.Valid {
			d.UpdatedAt = dUpdated.Time
		}
		o.Delivery = d
	}
	return &o, nil
}

func (p *PostgresStore) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus, reason string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET status=$1, updated_at=$2,
			cancellation_reason = COALESCE(NULLIF($3,''), cancellation_reason)
		WHERE id=$4`,
		string(status), at, reason, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetPaymentStatus(ctx context.Context, id string, ps models.PaymentStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE orders SET payment_status=$1, updated_at=now() WHERE id=$2`, string(ps), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SaveDelivery(ctx context.Context, d *models.Delivery) error {
	var pLat, pLon, dLat, dLon sql.NullFloat64
	if d.Pickup != nil {
		pLat = sql.NullFloat64{Float64: d.Pickup.Lat, Valid: true}
		pLon = sql.NullFloat64{Float64: d.Pickup.Lon, Valid: true}
	}
	if d.Dropoff != nil {
		dLat = sql.NullFloat64{Float64: d.Dropoff.Lat, Valid: true}
		dLon = sql.NullFloat64{Float64: d.Dropoff.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deliveries(id, order_id, driver_id, status, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, distance_m, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (order_id) DO UPDATE SET
			driver_id = EXCLUDED.driver_id,
			status = EXCLUDED.status,
			distance_m = EXCLUDED.distance_m,
			updated_at = EXCLUDED.updated_at`,
		d.ID, d.OrderID, nullString(d.DriverID), string(d.Status), pLat, pLon, dLat, dLon, d.DistanceM, d.UpdatedAt)
	return err
}

func (p *PostgresStore) GetDeliveryByOrder(ctx context.Context, orderID string) (*models.Delivery, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, order_id, COALESCE(driver_id,''), status, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, distance_m, updated_at
		FROM deliveries WHERE order_id = $1`, orderID)
	var d models.Delivery
	var pLat, pLon, dLat, dLon sql.NullFloat64
	err := row.Scan(&d.ID, &d.OrderID, &d.DriverID, &d.Status, &pLat, &pLon, &dLat, &dLon, &d.DistanceM, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if pLat.Valid && pLon.Valid {
		d.Pickup = &models.Coord{Lat: pLat.Float64, Lon: pLon.Float64}
	}
	if dLat.Valid && dLon.Valid {
		d.Dropoff = &models.Coord{Lat: dLat.Float64, Lon: dLon.Float64}
	}
	return &d, nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, ownerID string) (*models.Wallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, owner_id, role, balance, updated_at FROM wallets WHERE owner_id=$1`, ownerID)
	var w models.Wallet
	err := row.Scan(&w.ID, &w.OwnerID, &w.Role, &w.Balance, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (p *PostgresStore) ListWalletTransactions(ctx context.Context, walletID string) ([]models.WalletTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, wallet_id, COALESCE(order_id,''), type, amount, status, created_at
		FROM wallet_transactions WHERE wallet_id=$1 ORDER BY created_at DESC`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.WalletTransaction
	for rows.Next() {
		var tx models.WalletTransaction
		if err := rows.Scan(&tx.ID, &tx.WalletID, &tx.OrderID, &tx.Type, &tx.Amount, &tx.Status, &tx.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendWalletTransaction(ctx context.Context, tx *models.WalletTransaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_transactions(id, wallet_id, order_id, type, amount, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		tx.ID, tx.WalletID, nullString(tx.OrderID), tx.Type, tx.Amount, tx.Status, tx.CreatedAt)
	return err
}

func (p *PostgresStore) GetPayout(ctx context.Context, idempotencyKey string) (*PayoutRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT idempotency_key, order_id, payout_ref, status, updated_at
		FROM payouts WHERE idempotency_key=$1`, idempotencyKey)
	var rec PayoutRecord
	err := row.Scan(&rec.IdempotencyKey, &rec.OrderID, &rec.PayoutRef, &rec.Status, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) SavePayout(ctx context.Context, rec *PayoutRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payouts(idempotency_key, order_id, payout_ref, status, updated_at)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (idempotency_key) DO UPDATE SET status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
		rec.IdempotencyKey, rec.OrderID, rec.PayoutRef, rec.Status, rec.UpdatedAt)
	return err
}

func (p *PostgresStore) GetArrivalMetrics(ctx context.Context, day string) (*models.ArrivalMetrics, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT day, on_time_pct, reroute_rate, substitution_accept_rate, credit_cost
		FROM arrival_metrics WHERE day=$1`, day)
	var m models.ArrivalMetrics
	err := row.Scan(&m.Day, &m.OnTimePct, &m.RerouteRate, &m.SubstitutionAcceptRate, &m.CreditCost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *PostgresStore) SaveArrivalMetrics(ctx context.Context, m *models.ArrivalMetrics) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO arrival_metrics(day, on_time_pct, reroute_rate, substitution_accept_rate, credit_cost)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (day) DO UPDATE SET
			on_time_pct=EXCLUDED.on_time_pct,
			reroute_rate=EXCLUDED.reroute_rate,
			substitution_accept_rate=EXCLUDED.substitution_accept_rate,
			credit_cost=EXCLUDED.credit_cost`,
		m.Day, m.OnTimePct, m.RerouteRate, m.SubstitutionAcceptRate, m.CreditCost)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
