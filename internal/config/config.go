// Package config holds the CLI configuration types.
package config

// Config stores all parameters gathered from flags or interactive prompts.
type Config struct {
	ServerURL string // WebSocket URL of the matchmaking server
	VideoFile string // optional IVF file streamed as the local camera
	AudioFile string // optional Ogg Opus file streamed as the local microphone
	Debug     bool
}
