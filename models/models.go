package models

import "time"

// Document is the single table backing the document store. Body holds the
// JSON encoded entity; the token and external columns are secondary indexes.
type Document struct {
	Id           string    `xorm:"'id' pk varchar(255) notnull"`
	Kind         string    `xorm:"kind varchar(32) index notnull"`
	Rev          string    `xorm:"rev varchar(64) notnull"`
	Body         string    `xorm:"body mediumtext"`
	PrivateToken string    `xorm:"private_token varchar(64) index"`
	PublicToken  string    `xorm:"public_token varchar(64) index"`
	External     string    `xorm:"external varchar(64) index"`
	Creation     time.Time `xorm:"creation created"`
	Updated      time.Time `xorm:"updated updated"`
}

func (Document) TableName() string {
	return "document"
}

// Index is the set of secondary keys a document is reachable by.
type Index struct {
	PrivateToken string
	PublicToken  string
	External     string
}
