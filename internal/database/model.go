package database

import (
	"time"
)

// Enum types stored as text columns
type SessionState int
type NodeStatus int
type InvoiceStatus int
type InvoicePurpose int
type TxType int
type PaymentMethod int

const (
	PendingPayment SessionState = iota
	Starting
	Active
	Settling
	Refunding
	Ended
	Expired
)

const (
	Online NodeStatus = iota
	Busy
	Offline
)

const (
	InvoicePending InvoiceStatus = iota
	InvoicePaid
	InvoiceExpired
)

const (
	PurposeDeposit InvoicePurpose = iota
	PurposeSession
)

const (
	TxDeposit TxType = iota
	TxSessionPayment
	TxNodeEarning
	TxCommission
	TxWithdrawal
	TxRefund
	TxRegistrationFee
)

const (
	PayLightning PaymentMethod = iota
	PayWallet
)

func (s SessionState) String() string {
	switch s {
	case PendingPayment:
		return "pending_payment"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Settling:
		return "settling"
	case Refunding:
		return "refunding"
	case Ended:
		return "ended"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == Ended || s == Expired
}

func (s NodeStatus) String() string {
	switch s {
	case Online:
		return "online"
	case Busy:
		return "busy"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

func (s InvoiceStatus) String() string {
	switch s {
	case InvoicePending:
		return "pending"
	case InvoicePaid:
		return "paid"
	case InvoiceExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (p InvoicePurpose) String() string {
	switch p {
	case PurposeDeposit:
		return "deposit"
	case PurposeSession:
		return "session"
	default:
		return "unknown"
	}
}

func (t TxType) String() string {
	switch t {
	case TxDeposit:
		return "deposit"
	case TxSessionPayment:
		return "session_payment"
	case TxNodeEarning:
		return "node_earning"
	case TxCommission:
		return "commission"
	case TxWithdrawal:
		return "withdrawal"
	case TxRefund:
		return "refund"
	case TxRegistrationFee:
		return "registration_fee"
	default:
		return "unknown"
	}
}

func (m PaymentMethod) String() string {
	switch m {
	case PayLightning:
		return "lightning"
	case PayWallet:
		return "wallet"
	default:
		return "unknown"
	}
}

// ParseSessionState converts a database string to a SessionState
func ParseSessionState(s string) SessionState {
	switch s {
	case "pending_payment":
		return PendingPayment
	case "starting":
		return Starting
	case "active":
		return Active
	case "settling":
		return Settling
	case "refunding":
		return Refunding
	case "ended":
		return Ended
	case "expired":
		return Expired
	default:
		return Ended
	}
}

func ParseNodeStatus(s string) NodeStatus {
	switch s {
	case "online":
		return Online
	case "busy":
		return Busy
	case "offline":
		return Offline
	default:
		return Offline
	}
}

func ParseInvoiceStatus(s string) InvoiceStatus {
	switch s {
	case "pending":
		return InvoicePending
	case "paid":
		return InvoicePaid
	case "expired":
		return InvoiceExpired
	default:
		return InvoicePending
	}
}

func ParseInvoicePurpose(s string) InvoicePurpose {
	switch s {
	case "deposit":
		return PurposeDeposit
	case "session":
		return PurposeSession
	default:
		return PurposeDeposit
	}
}

func ParseTxType(s string) TxType {
	switch s {
	case "deposit":
		return TxDeposit
	case "session_payment":
		return TxSessionPayment
	case "node_earning":
		return TxNodeEarning
	case "commission":
		return TxCommission
	case "withdrawal":
		return TxWithdrawal
	case "refund":
		return TxRefund
	case "registration_fee":
		return TxRegistrationFee
	default:
		return TxDeposit
	}
}

func ParsePaymentMethod(s string) PaymentMethod {
	switch s {
	case "lightning":
		return PayLightning
	case "wallet":
		return PayWallet
	default:
		return PayLightning
	}
}

type User struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	BalanceSats  int64     `json:"balance_sats" db:"balance_sats"`
	IsAdmin      bool      `json:"is_admin" db:"is_admin"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// GPU describes a single accelerator on a node.
type GPU struct {
	Model  string `json:"model"`
	VRAMMb int64  `json:"vram_mb"`
}

// Hardware is the node's hardware descriptor, stored as jsonb.
type Hardware struct {
	CPU    string `json:"cpu"`
	RAMMb  int64  `json:"ram_mb"`
	GPUs   []GPU  `json:"gpus"`
	DiskGb int64  `json:"disk_gb"`
}

// ModelDescriptor describes one model a node offers, stored as jsonb.
type ModelDescriptor struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Architecture  string  `json:"architecture"`
	ParamsB       float64 `json:"params_b"`
	Quantization  string  `json:"quantization"`
	ContextLength int     `json:"context_length"`
	MinVRAMMb     int64   `json:"min_vram_mb"`
}

type Node struct {
	ID                  string            `json:"node_id" db:"node_id"`
	Name                string            `json:"name" db:"name"`
	OwnerUserID         string            `json:"owner_user_id" db:"owner_user_id"`
	Address             string            `json:"address" db:"address"`
	Hardware            Hardware          `json:"hardware" db:"hardware"`
	Models              []ModelDescriptor `json:"models" db:"models"`
	PricePerMinuteSats  int64             `json:"price_per_minute_sats" db:"price_per_minute_sats"`
	PaymentAddress      *string           `json:"payment_address,omitempty" db:"payment_address"`
	Status              NodeStatus        `json:"status" db:"status"`
	CurrentSessionID    *string           `json:"current_session_id,omitempty" db:"current_session_id"`
	Load                int               `json:"load" db:"load"`
	HardwareFingerprint string            `json:"-" db:"hardware_fingerprint"`
	TotalEarnedSats     int64             `json:"total_earned_sats" db:"total_earned_sats"`
	LastHeartbeatAt     time.Time         `json:"last_heartbeat_at" db:"last_heartbeat_at"`
	CreatedAt           time.Time         `json:"created_at" db:"created_at"`
}

// SupportsModel reports whether the node offers the model and can serve the
// requested context length.
func (n *Node) SupportsModel(modelID string, contextLength int) bool {
	for _, m := range n.Models {
		if m.ID == modelID {
			return contextLength <= m.ContextLength
		}
	}
	return false
}

type Session struct {
	ID               string        `json:"session_id" db:"session_id"`
	UserID           string        `json:"user_id" db:"user_id"`
	NodeID           string        `json:"node_id" db:"node_id"`
	ModelID          string        `json:"model_id" db:"model_id"`
	HFRepo           *string       `json:"hf_repo,omitempty" db:"hf_repo"`
	ContextLength    int           `json:"context_length" db:"context_length"`
	MinutesPurchased int           `json:"minutes_purchased" db:"minutes_purchased"`
	AmountSats       int64         `json:"amount_sats" db:"amount_sats"`
	RefundSats       int64         `json:"refund_sats" db:"refund_sats"`
	State            SessionState  `json:"state" db:"state"`
	PaymentMethod    PaymentMethod `json:"payment_method" db:"payment_method"`
	PaymentReference *string       `json:"payment_reference,omitempty" db:"payment_reference"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	PaidAt           *time.Time    `json:"paid_at,omitempty" db:"paid_at"`
	StartedAt        *time.Time    `json:"started_at,omitempty" db:"started_at"`
	ExpiresAt        *time.Time    `json:"expires_at,omitempty" db:"expires_at"`
	EndedAt          *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
}

// ExpiredAt reports whether the session has passed its expiry at the given
// instant. Sessions without a started_at never expire by time.
func (s *Session) ExpiredAt(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

type Invoice struct {
	PaymentHash string         `json:"payment_hash" db:"payment_hash"`
	Bolt11      string         `json:"bolt11" db:"bolt11"`
	AmountSats  int64          `json:"amount_sats" db:"amount_sats"`
	Purpose     InvoicePurpose `json:"purpose" db:"purpose"`
	RelatedID   string         `json:"related_id" db:"related_id"`
	UserID      string         `json:"user_id" db:"user_id"`
	Status      InvoiceStatus  `json:"status" db:"status"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at" db:"expires_at"`
	PaidAt      *time.Time     `json:"paid_at,omitempty" db:"paid_at"`
}

type LedgerTransaction struct {
	ID               string    `json:"id" db:"id"`
	UserID           string    `json:"user_id" db:"user_id"`
	Type             TxType    `json:"type" db:"type"`
	AmountSats       int64     `json:"amount_sats" db:"amount_sats"`
	FeeSats          int64     `json:"fee_sats" db:"fee_sats"`
	Description      string    `json:"description" db:"description"`
	RelatedSessionID *string   `json:"related_session_id,omitempty" db:"related_session_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}
