package authlimit

import "time"

// Operation names an authentication flow with its own quota
type Operation string

const (
	SignIn        Operation = "SIGN_IN"
	SignUp        Operation = "SIGN_UP"
	PasswordReset Operation = "PASSWORD_RESET"
	EmailVerify   Operation = "EMAIL_VERIFY"
	General       Operation = "GENERAL"
	// DBRateLimit throttles direct data-layer access per caller
	DBRateLimit Operation = "DB_RATE_LIMIT"
)

// Config is the quota for one operation
type Config struct {
	Requests      int
	Window        time.Duration
	BlockDuration time.Duration
}

// DefaultConfigs returns the per-operation quotas
func DefaultConfigs() map[Operation]Config {
	return map[Operation]Config{
		SignIn:        {Requests: 5, Window: 5 * time.Minute, BlockDuration: 15 * time.Minute},
		SignUp:        {Requests: 3, Window: time.Hour, BlockDuration: time.Hour},
		PasswordReset: {Requests: 3, Window: time.Hour, BlockDuration: 30 * time.Minute},
		EmailVerify:   {Requests: 3, Window: 30 * time.Minute, BlockDuration: 30 * time.Minute},
		General:       {Requests: 20, Window: 5 * time.Minute, BlockDuration: 5 * time.Minute},
		DBRateLimit:   {Requests: 100, Window: time.Minute, BlockDuration: 15 * time.Minute},
	}
}

// Operations lists the known operations in a stable order
func Operations() []Operation {
	return []Operation{SignIn, SignUp, PasswordReset, EmailVerify, General, DBRateLimit}
}

// ParseOperation reports whether name is a known operation
func ParseOperation(name string) (Operation, bool) {
	op := Operation(name)
	_, ok := DefaultConfigs()[op]
	return op, ok
}

func counterKey(op Operation, identifier string) string {
	return "auth_rate_limit:" + string(op) + ":" + identifier
}

func blockKey(op Operation, identifier string) string {
	return "auth_block:" + string(op) + ":" + identifier
}

func attemptsKey(op Operation, identifier string) string {
	return "auth_attempts:" + string(op) + ":" + identifier
}
