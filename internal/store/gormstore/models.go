package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// SlotRecord mirrors the slots table.
type SlotRecord struct {
	SlotID            string         `gorm:"primaryKey"`
	TutorID           string         `gorm:"not null;index:idx_slots_tutor_date,priority:1"`
	Date              string         `gorm:"not null;index:idx_slots_tutor_date,priority:2"`
	StartMinute       int            `gorm:"not null"`
	EndMinute         int            `gorm:"not null"`
	PricePerHourCents int64          `gorm:"not null"`
	Available         bool           `gorm:"not null"`
	Active            bool           `gorm:"not null"`
	BookingID         *string        `gorm:"index"`
	Recurrence        datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt         time.Time      `gorm:"not null;autoCreateTime:false"`
	UpdatedAt         time.Time      `gorm:"not null;autoUpdateTime:false"`
}

func (SlotRecord) TableName() string { return "slots" }

// BookingRecord mirrors the bookings table. Nested records that are never
// queried on are stored as JSON.
type BookingRecord struct {
	BookingID             string         `gorm:"primaryKey"`
	StudentID             string         `gorm:"not null;index"`
	TutorID               string         `gorm:"not null;index:idx_bookings_tutor_date,priority:1"`
	SlotID                string         `gorm:"not null;index"`
	Date                  string         `gorm:"not null;index:idx_bookings_tutor_date,priority:2"`
	StartMinute           int            `gorm:"not null"`
	EndMinute             int            `gorm:"not null"`
	SessionStart          time.Time      `gorm:"not null;index"`
	SessionEnd            time.Time      `gorm:"not null"`
	Subject               string         `gorm:"not null"`
	Notes                 string         `gorm:"not null"`
	TotalAmountCents      int64          `gorm:"not null"`
	PlatformFeeCents      int64          `gorm:"not null"`
	TutorEarningsCents    int64          `gorm:"not null"`
	Status                string         `gorm:"not null;index"`
	LockExpiresAt         *time.Time     `gorm:"index"`
	MeetingReference      string         `gorm:"not null"`
	PaymentStatus         string         `gorm:"not null"`
	PaymentMethod         string         `gorm:"not null"`
	PaymentAmountCents    int64          `gorm:"not null"`
	PaymentReference      *string        `gorm:"uniqueIndex"`
	CheckoutURL           string         `gorm:"not null"`
	PaidAt                *time.Time     `gorm:""`
	PaymentHeldAt         *time.Time     `gorm:""`
	PaymentReleasedAt     *time.Time     `gorm:""`
	EscrowStatus          string         `gorm:"not null;index"`
	EscrowHeldAt          *time.Time     `gorm:""`
	ReleaseScheduledFor   *time.Time     `gorm:"index"`
	SettledAt             *time.Time     `gorm:""`
	ReleasedAmountCents   int64          `gorm:"not null"`
	RefundedAmountCents   int64          `gorm:"not null"`
	SessionChannel        string         `gorm:"not null"`
	SessionActive         bool           `gorm:"not null"`
	SessionStartedAt      *time.Time     `gorm:""`
	SessionEndedAt        *time.Time     `gorm:""`
	ActualDurationMinutes int            `gorm:"not null"`
	Cancellation          datatypes.JSON `gorm:"type:jsonb;not null"`
	RescheduleRequests    datatypes.JSON `gorm:"type:jsonb;not null"`
	IsRescheduled         bool           `gorm:"not null"`
	StudentRating         datatypes.JSON `gorm:"type:jsonb;not null"`
	TutorRating           datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt             time.Time      `gorm:"not null;autoCreateTime:false"`
	UpdatedAt             time.Time      `gorm:"not null;autoUpdateTime:false"`
}

func (BookingRecord) TableName() string { return "bookings" }

// WalletRecord mirrors the wallets table.
type WalletRecord struct {
	UserID              string    `gorm:"primaryKey"`
	AvailableCents      int64     `gorm:"not null"`
	EscrowCents         int64     `gorm:"not null"`
	TotalDepositedCents int64     `gorm:"not null"`
	TotalSpentCents     int64     `gorm:"not null"`
	TotalWithdrawnCents int64     `gorm:"not null"`
	TotalRefundedCents  int64     `gorm:"not null"`
	TotalEarnedCents    int64     `gorm:"not null"`
	Frozen              bool      `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (WalletRecord) TableName() string { return "wallets" }

// TransactionRecord mirrors the append-only wallet_transactions table.
type TransactionRecord struct {
	TransactionID      string         `gorm:"primaryKey"`
	UserID             string         `gorm:"not null;index:idx_transactions_user_created,priority:1"`
	BookingID          string         `gorm:"not null;index"`
	Type               string         `gorm:"not null"`
	AmountCents        int64          `gorm:"not null"`
	FeeCents           int64          `gorm:"not null"`
	NetAmountCents     int64          `gorm:"not null"`
	BalanceBeforeCents int64          `gorm:"not null"`
	BalanceAfterCents  int64          `gorm:"not null"`
	EscrowBeforeCents  int64          `gorm:"not null"`
	EscrowAfterCents   int64          `gorm:"not null"`
	Reference          string         `gorm:"not null"`
	Metadata           datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt          time.Time      `gorm:"not null;autoCreateTime:false;index:idx_transactions_user_created,priority:2"`
}

func (TransactionRecord) TableName() string { return "wallet_transactions" }

// ReminderMarker records that a reminder kind was sent for a booking.
type ReminderMarker struct {
	BookingID string    `gorm:"primaryKey"`
	Kind      string    `gorm:"primaryKey"`
	SentAt    time.Time `gorm:"not null"`
}

func (ReminderMarker) TableName() string { return "reminder_markers" }

// PaymentEvent records processed gateway webhook events.
type PaymentEvent struct {
	EventID    string    `gorm:"primaryKey"`
	Reference  string    `gorm:"not null;index"`
	ReceivedAt time.Time `gorm:"not null"`
}

func (PaymentEvent) TableName() string { return "payment_events" }

// TutorRatingRecord holds the running rating aggregate of a tutor.
type TutorRatingRecord struct {
	TutorID     string `gorm:"primaryKey"`
	RatingCount int    `gorm:"not null"`
	RatingSum   int    `gorm:"not null"`
}

func (TutorRatingRecord) TableName() string { return "tutor_ratings" }

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&SlotRecord{},
		&BookingRecord{},
		&WalletRecord{},
		&TransactionRecord{},
		&ReminderMarker{},
		&PaymentEvent{},
		&TutorRatingRecord{},
	}
}
