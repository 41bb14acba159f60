// Package catalog loads the app catalog: which packages exist, where their
// wake webhooks live and which streams they may subscribe to. Files are
// YAML (goccy/go-yaml) or TOML (pelletier/go-toml/v2), chosen by extension.
//
//	apps:
//	  - packageName: com.example.captions
//	    name: Live Captions
//	    webhookUrl: https://captions.example.com/webhook
//	    streams: [transcription:*, audio_chunk]
package catalog
