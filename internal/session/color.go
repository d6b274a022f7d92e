package session

import (
	"fmt"
	"math/rand"
)

// AssignColor returns a random HSL color string for a newly connected
// principal that has not already chosen one, per spec.md §4.3 step 3:
// random hue, saturation 70-95%, lightness 50-70%.
func AssignColor() string {
	hue := rand.Intn(360)
	saturation := 70 + rand.Intn(26)
	lightness := 50 + rand.Intn(21)
	return fmt.Sprintf("hsl(%d, %d%%, %d%%)", hue, saturation, lightness)
}
