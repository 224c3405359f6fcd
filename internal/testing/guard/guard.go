package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("DENTALOFFICE_TEST_MODE") == "" {
			_ = os.Setenv("DENTALOFFICE_TEST_MODE", "1")
		}
	})
}
