package rediskey

import "fmt"

// Key prefixes shared by the gateway and the worker.
const (
	CelebrationPrefix = "celebration"
	SpendSeqPrefix    = "seq:spend"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildCelebrationChannel returns "celebration:{visitorID}"
func BuildCelebrationChannel(visitorID string) string {
	return NamespaceKey(CelebrationPrefix, visitorID)
}

// BuildSpendSeqKey returns "seq:spend:{yymmdd}"
func BuildSpendSeqKey(day string) string {
	return NamespaceKey(SpendSeqPrefix, day)
}
