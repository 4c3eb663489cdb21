// Package web3 defines the chain access interface consumed by the payment
// verifier and the settlement executor, together with the YAML chain
// definition loader. Concrete EVM clients live in the ethereum subpackage
// and are registered by name through the provider subpackage.
package web3
