package models

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrStakePositionNotFound = errors.New("stake position not found")
var ErrDistributionNotFound = errors.New("revenue distribution not found")

// GetStakePosition loads one account's position in one property.
func GetStakePosition(db *sql.DB, account, propertyID string) (*StakePosition, error) {
	row := db.QueryRow(`
		SELECT account, property_id, staked_amount, stake_time, last_reward_claim
		FROM stake_positions
		WHERE account = ? AND property_id = ?`, account, propertyID)

	var pos StakePosition
	var amountStr string
	var lastClaim sql.NullTime
	err := row.Scan(&pos.Account, &pos.PropertyID, &amountStr, &pos.StakeTime, &lastClaim)
	if err == sql.ErrNoRows {
		return nil, ErrStakePositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying stake position: %w", err)
	}
	pos.StakedAmount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt staked_amount %q for %s/%s: %w", amountStr, account, propertyID, err)
	}
	if lastClaim.Valid {
		pos.LastRewardClaim = lastClaim.Time
	}
	return &pos, nil
}

// SaveStakePosition inserts or replaces a position. A zero StakedAmount
// deletes the row (the position is fully exited).
func SaveStakePosition(db *sql.DB, pos StakePosition) error {
	if pos.StakedAmount.IsZero() {
		_, err := db.Exec(`DELETE FROM stake_positions WHERE account = ? AND property_id = ?`,
			pos.Account, pos.PropertyID)
		return err
	}
	var lastClaim any
	if !pos.LastRewardClaim.IsZero() {
		lastClaim = pos.LastRewardClaim
	}
	_, err := db.Exec(`
		INSERT INTO stake_positions (account, property_id, staked_amount, stake_time, last_reward_claim)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account, property_id) DO UPDATE SET
			staked_amount = excluded.staked_amount,
			stake_time = excluded.stake_time,
			last_reward_claim = excluded.last_reward_claim`,
		pos.Account, pos.PropertyID, pos.StakedAmount.String(), pos.StakeTime, lastClaim)
	return err
}

// GetDistribution loads a property's revenue distribution accumulator.
func GetDistribution(db *sql.DB, propertyID string) (*RevenueDistribution, error) {
	row := db.QueryRow(`
		SELECT property_id, total_amount, distributed, created_at
		FROM revenue_distributions
		WHERE property_id = ?`, propertyID)

	var dist RevenueDistribution
	var totalStr, distributedStr string
	err := row.Scan(&dist.PropertyID, &totalStr, &distributedStr, &dist.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDistributionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying distribution: %w", err)
	}
	dist.TotalAmount, err = decimal.NewFromString(totalStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt total_amount %q for %s: %w", totalStr, propertyID, err)
	}
	dist.Distributed, err = decimal.NewFromString(distributedStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt distributed %q for %s: %w", distributedStr, propertyID, err)
	}
	return &dist, nil
}

// SaveDistribution inserts or replaces a distribution row.
func SaveDistribution(db *sql.DB, dist RevenueDistribution) error {
	createdAt := dist.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := db.Exec(`
		INSERT INTO revenue_distributions (property_id, total_amount, distributed, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(property_id) DO UPDATE SET
			total_amount = excluded.total_amount,
			distributed = excluded.distributed`,
		dist.PropertyID, dist.TotalAmount.String(), dist.Distributed.String(), createdAt)
	return err
}

// RecordDistributionClaim adds a paid entitlement to the accumulator,
// refusing to exceed the distribution total. The UPDATE is guarded so a
// concurrent claim can never double-pay past the pot.
func RecordDistributionClaim(db *sql.DB, propertyID string, amount decimal.Decimal) error {
	dist, err := GetDistribution(db, propertyID)
	if err != nil {
		return err
	}
	newDistributed := dist.Distributed.Add(amount)
	if newDistributed.GreaterThan(dist.TotalAmount) {
		return fmt.Errorf("claim of %s exceeds remaining distribution %s for property %s",
			amount, dist.Remaining(), propertyID)
	}
	res, err := db.Exec(`
		UPDATE revenue_distributions
		SET distributed = ?
		WHERE property_id = ? AND distributed = ?`,
		newDistributed.String(), propertyID, dist.Distributed.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("concurrent claim detected for property %s, retry", propertyID)
	}
	return nil
}
