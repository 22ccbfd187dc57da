package store_test

import (
	"testing"

	"github.com/capitalize-ai/conversational-bot/internal/store"
	"github.com/capitalize-ai/conversational-bot/internal/store/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, store.NewMemory())
}
