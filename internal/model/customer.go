package model

import (
	"strconv"
	"strings"
	"time"
)

// Customer is read from the customer directory; the engine never mutates it.
type Customer struct {
	ID            int64      `db:"id"`
	TenantID      int64      `db:"tenant_id"`
	TenantName    string     `db:"tenant_name"`
	FirstName     string     `db:"first_name"`
	LastName      string     `db:"last_name"`
	Phone         string     `db:"phone"`
	Email         string     `db:"email"`
	ChatAUserID   string     `db:"chat_a_user_id"`
	ChatBUserID   string     `db:"chat_b_user_id"`
	Gender        string     `db:"gender"`
	Tags          []string   `db:"-"`
	TagsJSON      []byte     `db:"tags"`
	VisitCount    int        `db:"visit_count"`
	LastVisitAt   *time.Time `db:"last_visit_at"`
	BookingCount  int        `db:"booking_count"`
	LastBookingAt *time.Time `db:"last_booking_at"`
	LifetimeSpend float64    `db:"lifetime_spend"`
}

// Address returns the customer's contact identifier on ch.
func (c Customer) Address(ch Channel) string {
	switch ch {
	case ChannelSMS:
		return strings.TrimSpace(c.Phone)
	case ChannelEmail:
		return strings.TrimSpace(c.Email)
	case ChannelChatA:
		return strings.TrimSpace(c.ChatAUserID)
	case ChannelChatB:
		return strings.TrimSpace(c.ChatBUserID)
	default:
		return ""
	}
}

func (c Customer) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Attributes is the flat map exposed to templates.
func (c Customer) Attributes() map[string]string {
	full := strings.TrimSpace(c.FirstName + " " + c.LastName)
	attrs := map[string]string{
		"first_name":     c.FirstName,
		"last_name":      c.LastName,
		"full_name":      full,
		"phone":          c.Phone,
		"email":          c.Email,
		"chat_a_id":      c.ChatAUserID,
		"chat_b_id":      c.ChatBUserID,
		"gender":         c.Gender,
		"visit_count":    strconv.Itoa(c.VisitCount),
		"booking_count":  strconv.Itoa(c.BookingCount),
		"lifetime_spend": strconv.FormatFloat(c.LifetimeSpend, 'f', 2, 64),
		"tenant_name":    c.TenantName,
	}
	if c.LastVisitAt != nil {
		attrs["last_visit_date"] = c.LastVisitAt.UTC().Format("2006-01-02")
	}
	if c.LastBookingAt != nil {
		attrs["last_booking_date"] = c.LastBookingAt.UTC().Format("2006-01-02")
	}
	return attrs
}

// Recipient is a resolved campaign target.
type Recipient struct {
	CustomerID int64
	Addresses  map[Channel]string
	Attributes map[string]string
}

func NewRecipient(c Customer) Recipient {
	addrs := make(map[Channel]string, len(Channels))
	for _, ch := range Channels {
		if a := c.Address(ch); a != "" {
			addrs[ch] = a
		}
	}
	return Recipient{CustomerID: c.ID, Addresses: addrs, Attributes: c.Attributes()}
}
