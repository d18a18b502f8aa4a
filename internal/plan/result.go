package plan

// NoOutputResult is returned when a run finishes without publishing anything.
const NoOutputResult = "Task completed successfully (no outputs generated)"

// FinalResultNames are checked in order before falling back to the most
// recently published output.
var FinalResultNames = []string{"final_result", "result", "answer", "output"}

// FinalResult extracts the result of a run from its outputs. It never
// returns an empty string.
func FinalResult(outputs *Outputs) string {
	if outputs == nil {
		return NoOutputResult
	}
	for _, name := range FinalResultNames {
		if v, ok := outputs.Get(name); ok {
			return nonEmpty(v)
		}
	}
	if _, v, ok := outputs.Last(); ok {
		return nonEmpty(v)
	}
	return NoOutputResult
}

func nonEmpty(v string) string {
	if v == "" {
		return NoOutputResult
	}
	return v
}
