// Package core holds the configuration documents and the error taxonomy
// shared by the model, the data pipeline and the trainer.
package core
