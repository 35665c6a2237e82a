// Command dmctl is the operator tool: check Dailymotion credentials, upload
// a local file through the same pipeline as the bot, and inspect sessions.
package main

func main() {
	Execute()
}
