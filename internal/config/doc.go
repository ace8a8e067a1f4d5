// Package config handles configuration loading for interview-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	services:
//	  llm:
//	    api_key: "${OPENAI_API_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	media:
//	  max_utterance_duration: "30s"
//	analysis:
//	  join_timeout: "20s"
//	  transcription:
//	    deadline: "15s"
//
// # Configuration Sections
//
// Server and database:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	database:
//	  path: "/var/lib/interview/gateway.db"
//
// Media buffer segmentation and backpressure:
//
//	media:
//	  max_utterance_bytes: 1048576
//	  max_utterance_duration: "30s"
//	  queue_depth: 16
//
// Analysis dispatch policy (per task kind):
//
//	analysis:
//	  max_in_flight: 32
//	  join_timeout: "20s"
//	  transcription:
//	    max_attempts: 4
//	    deadline: "15s"
//	  report:
//	    max_attempts: 2
//	    deadline: "60s"
//
// External service endpoints:
//
//	services:
//	  transcription_url: "http://localhost:9090/transcribe"
//	  video_analysis_url: "http://localhost:9091/analyze"
//	  llm:
//	    base_url: "https://api.openai.com/v1"
//	    api_key: "${OPENAI_API_KEY}"
//	    model: "gpt-4o-mini"
//
// The Config is loaded once at startup and passed by reference into the
// components that need it. It is never mutated after load.
package config
