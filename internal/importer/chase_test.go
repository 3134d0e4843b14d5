package importer

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/tally/internal/model"
)

const chaseHeader = "Details,Posting Date,Description,Amount,Type,Balance,Check or Slip #\n"

func parseChaseFixture(t *testing.T) *model.StatementDocument {
	t.Helper()
	data, err := os.ReadFile("testdata/chase_checking.csv")
	require.NoError(t, err)

	doc, err := NewChaseParser(DefaultTolerance).Parse(data)
	require.NoError(t, err)
	return doc
}

func TestChaseParser_Parse(t *testing.T) {
	doc := parseChaseFixture(t)
	require.Len(t, doc.Lines, 6)

	assert.Equal(t, "chase", doc.BankID)
	assert.Equal(t, "20250103-20250122", doc.StatementNumber)
	assert.Equal(t, "1800.00", doc.OpeningBalance.StringFixed(2))
	assert.Equal(t, "5133.51", doc.ClosingBalance.StringFixed(2))

	// Oldest first.
	first := doc.Lines[0]
	assert.Equal(t, "GITHUB *PRO SUBSCRIPTION", first.Description)
	assert.Equal(t, "4.00", first.Amount.StringFixed(2))
	assert.Equal(t, model.TypeDebit, first.Type)
	assert.Equal(t, 3, first.Date.Day())
	assert.Equal(t, "chase_20250103_GITHUBPROS", first.Reference)

	last := doc.Lines[5]
	assert.Equal(t, "NETFLIX.COM", last.Description)
	assert.Equal(t, 22, last.Date.Day())
}

func TestChaseParser_AmountsAreMagnitudes(t *testing.T) {
	doc := parseChaseFixture(t)
	for _, l := range doc.Lines {
		assert.True(t, l.Amount.IsPositive(), l.Description)
		if l.Description == "ACME CONSULTING INVOICE 1042" {
			assert.Equal(t, model.TypeCredit, l.Type)
		} else {
			assert.Equal(t, model.TypeDebit, l.Type, l.Description)
		}
	}
}

func TestChaseParser_StableStatementNumber(t *testing.T) {
	a := parseChaseFixture(t)
	b := parseChaseFixture(t)
	assert.Equal(t, a.StatementNumber, b.StatementNumber)
}

func TestChaseParser_EmptyFile(t *testing.T) {
	_, err := NewChaseParser(DefaultTolerance).Parse([]byte(chaseHeader))
	assert.ErrorIs(t, err, ErrUnparsable)
}

func TestChaseParser_BadDate(t *testing.T) {
	csv := chaseHeader + "DEBIT,NOTADATE,desc,-4.00,ACH_DEBIT,100.00,\n"
	_, err := NewChaseParser(DefaultTolerance).Parse([]byte(csv))
	assert.ErrorIs(t, err, ErrUnparsable)
	assert.Contains(t, err.Error(), "parsing date")
}

func TestChaseParser_BadAmount(t *testing.T) {
	csv := chaseHeader + "DEBIT,01/03/2025,desc,NOTANUMBER,ACH_DEBIT,100.00,\n"
	_, err := NewChaseParser(DefaultTolerance).Parse([]byte(csv))
	assert.ErrorIs(t, err, ErrUnparsable)
	assert.Contains(t, err.Error(), "parsing amount")
}

func TestChaseParser_RunningBalanceMismatch(t *testing.T) {
	csv := chaseHeader + strings.Join([]string{
		"DEBIT,01/05/2025,second,-10.00,ACH_DEBIT,50.00,",
		"DEBIT,01/03/2025,first,-10.00,ACH_DEBIT,90.00,",
	}, "\n") + "\n"

	_, err := NewChaseParser(DefaultTolerance).Parse([]byte(csv))
	var rerr *ReconciliationError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 2, rerr.Line)
	assert.Equal(t, "80.00", rerr.Computed.StringFixed(2))
}

func TestChaseParser_SameDayUsesRunningBalances(t *testing.T) {
	newestFirst := chaseHeader + strings.Join([]string{
		"DEBIT,01/07/2025,STARBUCKS STORE 0921,-15.00,DEBIT_CARD,85.00,",
		"CREDIT,01/07/2025,AMAZON REFUND,50.00,ACH_CREDIT,100.00,",
	}, "\n") + "\n"
	oldestFirst := chaseHeader + strings.Join([]string{
		"CREDIT,01/07/2025,AMAZON REFUND,50.00,ACH_CREDIT,100.00,",
		"DEBIT,01/07/2025,STARBUCKS STORE 0921,-15.00,DEBIT_CARD,85.00,",
	}, "\n") + "\n"

	for name, csv := range map[string]string{"newest first": newestFirst, "oldest first": oldestFirst} {
		t.Run(name, func(t *testing.T) {
			doc, err := NewChaseParser(DefaultTolerance).Parse([]byte(csv))
			require.NoError(t, err)
			require.Len(t, doc.Lines, 2)
			assert.Equal(t, "AMAZON REFUND", doc.Lines[0].Description)
			assert.Equal(t, "STARBUCKS STORE 0921", doc.Lines[1].Description)
			assert.Equal(t, "50.00", doc.OpeningBalance.StringFixed(2))
			assert.Equal(t, "85.00", doc.ClosingBalance.StringFixed(2))
			assert.Equal(t, "20250107-20250107", doc.StatementNumber)
		})
	}
}

func TestChaseParser_SameDayUnbalanced(t *testing.T) {
	csv := chaseHeader + strings.Join([]string{
		"DEBIT,01/07/2025,STARBUCKS STORE 0921,-15.00,DEBIT_CARD,85.00,",
		"CREDIT,01/07/2025,AMAZON REFUND,50.00,ACH_CREDIT,120.00,",
	}, "\n") + "\n"

	_, err := NewChaseParser(DefaultTolerance).Parse([]byte(csv))
	var rerr *ReconciliationError
	require.ErrorAs(t, err, &rerr)
}

func TestChaseParser_BankID(t *testing.T) {
	assert.Equal(t, "chase", NewChaseParser(DefaultTolerance).BankID())
}
