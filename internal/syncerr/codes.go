package syncerr

import "fmt"

// CloseCode is an application-level websocket close code.
//
// Codes live in the 3000-3999 range reserved for registered applications.
// The client classifies every code as fatal (stop reconnecting) or
// transient (reconnect with backoff).
type CloseCode int

const (
	CloseNormal                   CloseCode = 3000
	CloseMissingFields            CloseCode = 3500
	CloseUnknown                  CloseCode = 3501
	CloseUnauthorized             CloseCode = 3510
	CloseMaxVaultsReached         CloseCode = 3520
	CloseVaultRegistrationFailed  CloseCode = 3521
	CloseMaxDevicesReached        CloseCode = 3530
	CloseDeviceRegistrationFailed CloseCode = 3531
	CloseStorageQuotaExceeded     CloseCode = 3540
	CloseStorageCheckFailed       CloseCode = 3541
	CloseTooManyRequests          CloseCode = 3550
)

var closeCodeNames = map[CloseCode]string{
	CloseNormal:                   "normal close",
	CloseMissingFields:            "missing required fields",
	CloseUnknown:                  "unknown error",
	CloseUnauthorized:             "unauthorized",
	CloseMaxVaultsReached:         "max vaults reached",
	CloseVaultRegistrationFailed:  "vault registration failed",
	CloseMaxDevicesReached:        "max devices reached",
	CloseDeviceRegistrationFailed: "device registration failed",
	CloseStorageQuotaExceeded:     "storage quota exceeded",
	CloseStorageCheckFailed:       "storage check failed",
	CloseTooManyRequests:          "too many requests",
}

// retryable lists the codes after which a client reconnects.
var retryable = map[CloseCode]bool{
	CloseUnknown:            true,
	CloseStorageCheckFailed: true,
	CloseTooManyRequests:    true,
}

// KnownCloseCodes returns every defined code in ascending order.
func KnownCloseCodes() []CloseCode {
	return []CloseCode{
		CloseNormal,
		CloseMissingFields,
		CloseUnknown,
		CloseUnauthorized,
		CloseMaxVaultsReached,
		CloseVaultRegistrationFailed,
		CloseMaxDevicesReached,
		CloseDeviceRegistrationFailed,
		CloseStorageQuotaExceeded,
		CloseStorageCheckFailed,
		CloseTooManyRequests,
	}
}

// String implements fmt.Stringer.
func (c CloseCode) String() string {
	if name, ok := closeCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("close code %d", int(c))
}

// Retryable reports whether a client should reconnect after this code.
//
// Codes outside the application table (transport-level closes such as
// 1006 abnormal closure) are treated as transient network failures.
func (c CloseCode) Retryable() bool {
	if _, known := closeCodeNames[c]; !known {
		return true
	}
	return retryable[c]
}

// Fatal is the inverse of Retryable, excluding the normal close which is
// neither an error nor a reason to reconnect.
func (c CloseCode) Fatal() bool {
	return c != CloseNormal && !c.Retryable()
}
