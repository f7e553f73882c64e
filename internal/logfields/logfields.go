// Package logfields provides constructors for zap fields that are used in
// log messages of multiple packages.
package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func Product(val string) zap.Field {
	return zap.String("git.product", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func ChangeID(val string) zap.Field {
	return zap.String("review.change_id", val)
}

func ChangeStatus(val string) zap.Field {
	return zap.String("review.change_status", val)
}
