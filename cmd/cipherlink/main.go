// Command cipherlink runs an encrypted message listener or client.
package main

func main() {
	Execute()
}
