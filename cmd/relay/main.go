// Command relay runs the Gemini relay: a credential-pooling reverse proxy with
// caller tokens, redemption batches and an admin API.
//
// Usage:
//
//	relay serve --config config.yaml
//	relay token create --days 30 --note "ci runner"
//	relay admin hash-token
package main

func main() {
	Execute()
}
