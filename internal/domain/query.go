package domain

import "time"

// Index names a declared secondary index. Every store query must go through
// one of them; there is no unindexed scan.
type Index string

const (
	IndexType           Index = "type"
	IndexOwner          Index = "type,ownerUserId"
	IndexUser           Index = "type,userId"
	IndexCreator        Index = "type,createdByUserId"
	IndexSharedWith     Index = "type,sharedWithUserIds"
	IndexWalletDatetime Index = "type,walletId,datetime"
	IndexCategory       Index = "type,categoryId"
	IndexEmail          Index = "type,email"
)

// Indexes lists every declared index.
var Indexes = []Index{
	IndexType,
	IndexOwner,
	IndexUser,
	IndexCreator,
	IndexSharedWith,
	IndexWalletDatetime,
	IndexCategory,
	IndexEmail,
}

// Query selects live documents of one type through one index.
// From and To bound the datetime range of IndexWalletDatetime (inclusive,
// zero means unbounded).
type Query struct {
	Type       DocType
	Index      Index
	Value      string
	From       time.Time
	To         time.Time
	Descending bool
	Limit      int
}

// ByType selects every document of type t.
func ByType(t DocType) Query {
	return Query{Type: t, Index: IndexType}
}

// ByOwner selects documents of type t whose ownerUserId is userID.
func ByOwner(t DocType, userID string) Query {
	return Query{Type: t, Index: IndexOwner, Value: userID}
}

// ByUser selects documents of type t whose userId is userID.
func ByUser(t DocType, userID string) Query {
	return Query{Type: t, Index: IndexUser, Value: userID}
}

// ByCreator selects documents of type t whose createdByUserId is userID.
func ByCreator(t DocType, userID string) Query {
	return Query{Type: t, Index: IndexCreator, Value: userID}
}

// SharedWith selects documents of type t whose sharedWithUserIds contains userID.
func SharedWith(t DocType, userID string) Query {
	return Query{Type: t, Index: IndexSharedWith, Value: userID}
}

// ByWallet selects transactions of a wallet ordered by datetime, newest first.
func ByWallet(walletID string) Query {
	return Query{Type: TypeTransaction, Index: IndexWalletDatetime, Value: walletID, Descending: true}
}

// ByCategory selects documents of type t whose categoryId is categoryID.
func ByCategory(t DocType, categoryID string) Query {
	return Query{Type: t, Index: IndexCategory, Value: categoryID}
}

// ByEmail selects users with the given (lower-cased) email.
func ByEmail(email string) Query {
	return Query{Type: TypeUser, Index: IndexEmail, Value: email}
}
