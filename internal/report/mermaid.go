package report

import (
	"fmt"
	"strings"

	"github.com/user/prowl/internal/model"
)

// GeneratePipelineDiagram creates a Mermaid flowchart of the stage
// pipeline with per-status target counts.
func GeneratePipelineDiagram(data *ReportData) string {
	var sb strings.Builder

	sb.WriteString("```mermaid\n")
	sb.WriteString("flowchart LR\n")

	prev := ""
	for _, name := range model.Pipeline {
		counts := data.StageCounts[name]
		var parts []string
		for _, st := range []model.StageStatus{
			model.StatusSucceeded, model.StatusSkipped, model.StatusFailed, model.StatusTimedOut, model.StatusRunning,
		} {
			if n := counts[st]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s: %d", st, n))
			}
		}
		label := string(name)
		if len(parts) > 0 {
			label += "\\n" + strings.Join(parts, "\\n")
		}
		node := nodeID(name)
		sb.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", node, label))
		if prev != "" {
			sb.WriteString(fmt.Sprintf("    %s --> %s\n", prev, node))
		}
		prev = node
	}

	sb.WriteString("```\n")
	return sb.String()
}

// GenerateTargetDiagram creates a Mermaid flowchart of one target's
// progress, colored by stage status.
func GenerateTargetDiagram(t TargetReport) string {
	var sb strings.Builder

	sb.WriteString("```mermaid\n")
	sb.WriteString("flowchart LR\n")
	sb.WriteString(fmt.Sprintf("    T((%s))\n", t.Target.MAC))

	byStage := make(map[model.StageName]model.StageRecord)
	for _, r := range t.Records {
		byStage[r.Stage] = r
	}
	prev := "T"
	for _, name := range model.Pipeline {
		node := nodeID(name)
		status := model.StatusPending
		if r, ok := byStage[name]; ok {
			status = r.Status
		}
		sb.WriteString(fmt.Sprintf("    %s[%s]:::%s\n", node, name, statusClass(status)))
		sb.WriteString(fmt.Sprintf("    %s --> %s\n", prev, node))
		prev = node
	}

	sb.WriteString("\n")
	sb.WriteString("    classDef ok fill:#90EE90\n")
	sb.WriteString("    classDef skip fill:#D3D3D3\n")
	sb.WriteString("    classDef fail fill:#FFB6C1,stroke:#FF0000\n")
	sb.WriteString("    classDef wait fill:#FFE4B5\n")
	sb.WriteString("    classDef pending fill:#FFFFFF,stroke-dasharray: 4 4\n")
	sb.WriteString("```\n")
	return sb.String()
}

func nodeID(name model.StageName) string {
	return "S_" + strings.ReplaceAll(string(name), "-", "_")
}
