package models

import "fmt"

// CompatLabUser is the placeholder an external roster creates before the
// instance itself exists. It reserves the tokens the instance will carry.
type CompatLabUser struct {
	ID           string `json:"_id,omitempty"`
	Rev          string `json:"_rev,omitempty"`
	LabID        int    `json:"labId"`
	UserID       int    `json:"userId"`
	LabName      string `json:"labName"`
	Username     string `json:"username"`
	PrivateToken string `json:"privateToken"`
	PublicToken  string `json:"publicToken"`
}

func CompatDocID(labID, userID int) string {
	return fmt.Sprintf("i-tee-compat/%d/%d", labID, userID)
}

func (c *CompatLabUser) DocID() string {
	return CompatDocID(c.LabID, c.UserID)
}

func (c *CompatLabUser) DocRev() string {
	return c.Rev
}

func (c *CompatLabUser) SetDocRev(rev string) {
	c.Rev = rev
}

// DocIndex does not expose the reserved tokens: they only become
// capabilities once the instance exists.
func (c *CompatLabUser) DocIndex() Index {
	return Index{External: CompatKey(c.LabID, c.UserID)}
}

// PendingCleanup is a teardown that did not complete and is retried later.
type PendingCleanup struct {
	ID       string    `json:"_id,omitempty"`
	Rev      string    `json:"_rev,omitempty"`
	Instance *Instance `json:"instance"`
	Attempts int       `json:"attempts"`
	LastErr  string    `json:"lastError,omitempty"`
}

const CleanupPrefix = "cleanup/"

func CleanupDocID(inst *Instance, nonce int64) string {
	return fmt.Sprintf("%s%s/%s/%d", CleanupPrefix, inst.Lab.ID, inst.Username, nonce)
}

func (p *PendingCleanup) DocID() string {
	return p.ID
}

func (p *PendingCleanup) DocRev() string {
	return p.Rev
}

func (p *PendingCleanup) SetDocRev(rev string) {
	p.Rev = rev
}

func (p *PendingCleanup) DocIndex() Index {
	return Index{}
}
