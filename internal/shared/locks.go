package shared

import "fmt"

// ReconcileLockKey builds redis keys guarding balance repair per ledger key.
func ReconcileLockKey(itemID int64, location string) string {
	return fmt.Sprintf("stock:reconcile:%d:%s:lock", itemID, location)
}
