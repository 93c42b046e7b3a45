package summary

// NaiveMerge combines per-chunk summaries without a model: bullets and
// actions are unioned in order of first appearance, file counts are summed
// per path, test counts are summed, failures and errors are concatenated.
func NaiveMerge(parts []Summary) Summary {
	out := Empty()
	seenBullet := map[string]bool{}
	seenAction := map[string]bool{}
	fileIndex := map[string]int{}

	for _, p := range parts {
		for _, b := range p.Bullets {
			if len(out.Bullets) < maxBullets && !seenBullet[b] {
				seenBullet[b] = true
				out.Bullets = append(out.Bullets, b)
			}
		}
		for _, f := range p.FilesChanged {
			if i, ok := fileIndex[f.Path]; ok {
				out.FilesChanged[i].Adds += f.Adds
				out.FilesChanged[i].Dels += f.Dels
				continue
			}
			fileIndex[f.Path] = len(out.FilesChanged)
			out.FilesChanged = append(out.FilesChanged, f)
		}
		out.Tests.Passed += p.Tests.Passed
		out.Tests.Failed += p.Tests.Failed
		out.Tests.Failures = append(out.Tests.Failures, p.Tests.Failures...)
		out.Errors = append(out.Errors, p.Errors...)
		for _, a := range p.Actions {
			if len(out.Actions) < maxActions && !seenAction[a] {
				seenAction[a] = true
				out.Actions = append(out.Actions, a)
			}
		}
		if p.Metrics.DurationMs != nil {
			d := *p.Metrics.DurationMs
			if out.Metrics.DurationMs != nil {
				d += *out.Metrics.DurationMs
			}
			out.Metrics.DurationMs = &d
		}
		if p.Metrics.CommandsRun != nil {
			n := *p.Metrics.CommandsRun
			if out.Metrics.CommandsRun != nil {
				n += *out.Metrics.CommandsRun
			}
			out.Metrics.CommandsRun = &n
		}
		if p.Metrics.ExitCode != nil {
			// The most recent chunk reflects the final exit status.
			code := *p.Metrics.ExitCode
			out.Metrics.ExitCode = &code
		}
	}
	return out
}
