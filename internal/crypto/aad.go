// Package icrypto builds the associated data and derived keys that bind
// sealed hostlink records to their identity.
package icrypto

import (
	"encoding/binary"
)

const (
	aadSession      = "SESSION"
	aadUserIndex    = "USERINDEX"
	aadRecordKey    = "RECORDKEY"
	aadHostSession  = "HOSTSESSION"
	aadKeyringCheck = "KEYRINGCHECK"

	// aadVersion is bumped whenever a sealed layout changes.
	aadVersion = 1
)

// AADSession binds a sealed session record to its session id.
func AADSession(namespace, sessionID string) []byte {
	return buildAAD(aadSession, namespace, sessionID, aadVersion)
}

// AADUserIndex binds a user's session index to its record id.
func AADUserIndex(namespace, recordID string) []byte {
	return buildAAD(aadUserIndex, namespace, recordID, aadVersion)
}

// AADRecordKey binds the wrapped record key to its namespace.
func AADRecordKey(namespace string) []byte {
	return buildAAD(aadRecordKey, namespace, aadVersion)
}

// AADHostSession binds a client-side sealed session key to its host record.
func AADHostSession(hostID string) []byte {
	return buildAAD(aadHostSession, hostID, aadVersion)
}

// AADKeyringCheck is the associated data of the keyring verifier.
func AADKeyringCheck() []byte {
	return buildAAD(aadKeyringCheck, aadVersion)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			res = append(res, b...)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	b = append(b, data...)
	return b
}
