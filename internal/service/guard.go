package service

import (
	"fmt"

	"github.com/punchamoorthee/bankcore/internal/domain"
	"github.com/shopspring/decimal"
)

// lockOrder returns a and b in ascending order. Every unit of work that locks
// two accounts goes through here so opposing transfers cannot deadlock.
func lockOrder(a, b int64) []int64 {
	if a <= b {
		return []int64{a, b}
	}
	return []int64{b, a}
}

func checkDistinct(from, to int64) error {
	if from == to {
		return domain.ErrSelfTransfer
	}
	return nil
}

// checkFunds must only see balances read under the row lock.
func checkFunds(balance, amount decimal.Decimal) error {
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: balance %s, requested %s", domain.ErrInsufficientFunds,
			balance.StringFixed(domain.AmountScale), amount.StringFixed(domain.AmountScale))
	}
	return nil
}

// checkBalances asserts that the locked accounts moved by exactly net in total
// and that none of them went negative.
func checkBalances(before, after map[int64]domain.Account, net decimal.Decimal) error {
	sumBefore, sumAfter := decimal.Zero, decimal.Zero
	for id, acc := range before {
		a, ok := after[id]
		if !ok {
			return fmt.Errorf("%w: account %d missing after apply", domain.ErrStorage, id)
		}
		if a.Balance.IsNegative() {
			return fmt.Errorf("%w: account %d balance %s is negative", domain.ErrStorage, id, a.Balance)
		}
		sumBefore = sumBefore.Add(acc.Balance)
		sumAfter = sumAfter.Add(a.Balance)
	}
	if !sumAfter.Sub(sumBefore).Equal(net) {
		return fmt.Errorf("%w: balances moved by %s, expected %s", domain.ErrStorage, sumAfter.Sub(sumBefore), net)
	}
	return nil
}
