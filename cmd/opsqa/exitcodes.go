package main

// Exit codes
const (
	ExitSuccess          = 0 // Success
	ExitError            = 1 // General error (invalid arguments, runtime failure)
	ExitConfigError      = 2 // Configuration error / snapshot missing, corrupt or incompatible
	ExitDataError        = 3 // Data directory unreadable / Ollama not available
	ExitEmptyCorpus      = 4 // No text units could be extracted from the reports
	ExitModelNotFound    = 5 // Embedding model not pulled in Ollama
	ExitIndexStale       = 6 // Reports changed since the last build
	ExitGenerationFailed = 7 // Answer carries a labeled generation failure
)
