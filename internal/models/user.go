package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// UserRole represents the role of a panel account
type UserRole int

const (
	UserRoleUser     UserRole = 1
	UserRoleReseller UserRole = 2
	UserRoleAdmin    UserRole = 3
)

func (r UserRole) String() string {
	switch r {
	case UserRoleUser:
		return "user"
	case UserRoleReseller:
		return "reseller"
	case UserRoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// MarshalJSON converts UserRole to string for JSON
func (r UserRole) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON accepts either the role name or its numeric value
func (r *UserRole) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var i int
		if err := json.Unmarshal(data, &i); err != nil {
			return err
		}
		*r = UserRole(i)
		return nil
	}
	switch s {
	case "admin":
		*r = UserRoleAdmin
	case "reseller":
		*r = UserRoleReseller
	default:
		*r = UserRoleUser
	}
	return nil
}

// User represents a panel account (admin, reseller operator or VPN end user)
type User struct {
	ID        uint           `gorm:"column:id;primaryKey" json:"id"`
	Username  string         `gorm:"column:username;uniqueIndex;size:100;not null" json:"username"`
	Password  string         `gorm:"column:password;size:255;not null" json:"-"`
	Email     string         `gorm:"column:email;size:255" json:"email"`
	Role      UserRole       `gorm:"column:role;default:1" json:"role"`
	IsActive  bool           `gorm:"column:is_active;default:true" json:"isActive"`
	LastLogin *time.Time     `gorm:"column:last_login" json:"lastLogin"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`

	// Owning reseller for end users, operated reseller for reseller accounts
	ResellerID *uint `gorm:"column:reseller_id;index" json:"resellerId"`
}

// Reseller represents a tenant in the reseller tree
type Reseller struct {
	ID          uint      `gorm:"column:id;primaryKey" json:"id"`
	CompanyName string    `gorm:"column:company_name;size:255;not null" json:"companyName"`
	ParentID    *uint     `gorm:"column:parent_id;index" json:"parentId"`
	MaxDepth    int       `gorm:"column:max_depth;default:3" json:"maxDepth"`
	Depth       int       `gorm:"column:depth;default:1" json:"depth"`
	IsActive    bool      `gorm:"column:is_active;default:true" json:"isActive"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updatedAt"`

	// Cached fold of the credit ledger, written in the same transaction as
	// every ledger entry.
	CreditBalance int64 `gorm:"column:credit_balance;default:0;not null" json:"creditBalance"`
}

func (User) TableName() string {
	return "users"
}

func (Reseller) TableName() string {
	return "resellers"
}
