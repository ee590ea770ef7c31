package hardware

// Lines is a set of output lines written together.
type Lines interface {
	SetValues(values []int) error
	Close() error
}

// LEDConfig names the GPIO chip and line offsets of the indicator LEDs.
type LEDConfig struct {
	Chip   string
	Green  int
	Yellow int
	Red    int
}

// offsets returns the line offsets in indicator order: green, yellow, red.
func (c LEDConfig) offsets() []int {
	return []int{c.Green, c.Yellow, c.Red}
}
