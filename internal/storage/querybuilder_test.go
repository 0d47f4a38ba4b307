package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"go-dcb/pkg/dcb"
)

func TestBuildWhereClauseEmptyQueryMatchesEverything(t *testing.T) {
	clause, args := buildWhereClause(dcb.QueryAll(), 1)
	assert.Equal(t, "TRUE", clause)
	assert.Nil(t, args)
}

func TestBuildWhereClauseTypeOnly(t *testing.T) {
	q := dcb.NewQuery(nil, "WalletOpened", "WalletClosed")
	clause, args := buildWhereClause(q, 1)
	assert.Equal(t, "(type = ANY($2))", clause)
	if assert.Len(t, args, 1) {
		assert.ElementsMatch(t, []string{"WalletOpened", "WalletClosed"}, args[0])
	}
}

func TestBuildWhereClauseTagsOnly(t *testing.T) {
	q := dcb.NewQuery(dcb.NewTags("wallet_id", "w1"))
	clause, args := buildWhereClause(q, 1)
	assert.Equal(t, "(tags @> $2::text[])", clause)
	if assert.Len(t, args, 1) {
		assert.Equal(t, []string{"wallet_id=w1"}, args[0])
	}
}

func TestBuildWhereClauseTypeAndTags(t *testing.T) {
	q := dcb.NewQuery(dcb.NewTags("wallet_id", "w1"), "MoneyDeposited")
	clause, args := buildWhereClause(q, 0)
	assert.Equal(t, "(type = ANY($1) AND tags @> $2::text[])", clause)
	assert.Len(t, args, 2)
}

func TestBuildWhereClauseOrsMultipleItems(t *testing.T) {
	item1 := dcb.NewQueryItem([]string{"A"}, nil)
	item2 := dcb.NewQueryItem([]string{"B"}, nil)
	q := dcb.NewQueryFromItems(item1, item2)
	clause, args := buildWhereClause(q, 1)
	assert.Equal(t, "(type = ANY($2)) OR (type = ANY($3))", clause)
	assert.Len(t, args, 2)
}

func TestBuildWhereClauseItemWithNeitherMatchesAll(t *testing.T) {
	item1 := dcb.NewQueryItem([]string{"A"}, nil)
	item2 := dcb.NewQueryItem(nil, nil)
	q := dcb.NewQueryFromItems(item1, item2)
	clause, args := buildWhereClause(q, 1)
	assert.Equal(t, "TRUE", clause)
	assert.Nil(t, args)
}

func TestBuildReadSQLIncludesPositionFilterAndOrder(t *testing.T) {
	sqlText, args := buildReadSQL(dcb.QueryAll(), 42, 0)
	assert.Contains(t, sqlText, "position > $1")
	assert.Contains(t, sqlText, "ORDER BY position ASC")
	assert.NotContains(t, strings.ToUpper(sqlText), "LIMIT")
	assert.Equal(t, []any{int64(42)}, args)
}

func TestBuildReadSQLHonorsLimit(t *testing.T) {
	sqlText, _ := buildReadSQL(dcb.QueryAll(), 0, 100)
	assert.Contains(t, sqlText, "LIMIT 100")
}
