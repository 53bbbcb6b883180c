package icrypto

import "github.com/jmcleod/hostlink/internal/util"

const recordWrapInfo = "hostlink:session-wrapping-key:v1"

// DeriveRecordWrapKey derives the key that wraps the session record key
// from the operator's wrapping key. The result is scoped to namespace.
func DeriveRecordWrapKey(wrappingKey []byte, namespace string) ([]byte, error) {
	return util.DeriveKey(wrappingKey, []byte(namespace), recordWrapInfo)
}
