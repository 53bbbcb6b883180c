// Package protocol defines the hostlink wire contract: the envelope carried
// over relay links, its payload shapes and the resumption proof format.
//
// The contract is shared by the relay, hosts and clients and depends only
// on the codec, so either side can be rebuilt against it independently.
package protocol
