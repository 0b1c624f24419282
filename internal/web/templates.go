package web

import (
	"html/template"
	"strings"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/report"
)

var dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <meta http-equiv="refresh" content="15">
    <title>Prowl Dashboard</title>
    <script src="https://cdn.jsdelivr.net/npm/mermaid/dist/mermaid.min.js"></script>
    <style>
        * { box-sizing: border-box; margin: 0; padding: 0; }

        :root {
            --bg-primary: #0a0f0a;
            --bg-card: rgba(0, 40, 0, 0.4);
            --border-color: #1a4a1a;
            --text-primary: #00ff41;
            --text-secondary: #00cc33;
            --text-dim: #336633;
            --accent: #00ff41;
            --accent-glow: rgba(0, 255, 65, 0.3);
            --danger: #ff3333;
            --warn: #ffaa00;
            --success: #00ff41;
            --gradient-top: rgba(0, 50, 0, 0.3);
        }

        body {
            font-family: 'Courier New', monospace;
            background: var(--bg-primary);
            background-image: radial-gradient(ellipse at top, var(--gradient-top) 0%, transparent 50%);
            color: var(--text-primary);
            min-height: 100vh;
            padding: 1.5rem;
        }

        .container { max-width: 1400px; margin: 0 auto; }

        header {
            display: flex;
            justify-content: space-between;
            align-items: center;
            margin-bottom: 1.5rem;
            padding-bottom: 1rem;
            border-bottom: 1px solid var(--border-color);
        }

        h1 {
            font-size: 1.6rem;
            color: var(--accent);
            text-shadow: 0 0 10px var(--accent-glow);
            letter-spacing: 3px;
        }

        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(320px, 1fr)); gap: 1rem; margin-bottom: 1rem; }

        .card {
            background: var(--bg-card);
            border: 1px solid var(--border-color);
            padding: 1rem;
            margin-bottom: 1rem;
        }
        .card-title {
            font-size: 0.85rem;
            color: var(--text-secondary);
            margin-bottom: 0.75rem;
            text-transform: uppercase;
            letter-spacing: 1px;
        }
        .card-title::before { content: '> '; color: var(--accent); }

        .stat-row { display: flex; justify-content: space-between; padding: 0.4rem 0; border-bottom: 1px dashed var(--border-color); }
        .stat-label { color: var(--text-dim); font-size: 0.85rem; }
        .stat-value { color: var(--accent); font-weight: bold; font-size: 0.85rem; }

        .status-badge { padding: 0.15rem 0.5rem; font-size: 0.7rem; text-transform: uppercase; }
        .status-running { color: var(--success); border: 1px solid var(--success); }
        .status-stopped { color: var(--danger); border: 1px solid var(--danger); }

        table { width: 100%; border-collapse: collapse; font-size: 0.8rem; }
        th, td { text-align: left; padding: 0.5rem; }
        th { color: var(--text-secondary); font-weight: normal; text-transform: uppercase; font-size: 0.7rem; border-bottom: 1px solid var(--border-color); }
        td { border-bottom: 1px dashed var(--border-color); }

        .st-succeeded { color: var(--success); }
        .st-skipped { color: var(--text-dim); }
        .st-failed { color: var(--danger); }
        .st-timed_out, .st-running { color: var(--warn); }
        .st-pending { color: var(--text-dim); opacity: 0.5; }

        a { color: var(--text-secondary); }
        .mermaid { background: transparent; }
        .dim { color: var(--text-dim); }
    </style>
</head>
<body>
<div class="container">
    <header>
        <h1>PROWL</h1>
        <div>
            {{if .Running}}<span class="status-badge status-running">daemon running</span>
            {{else}}<span class="status-badge status-stopped">daemon stopped</span>{{end}}
            <span class="dim">{{.Generated}}</span>
        </div>
    </header>

    {{with .Report}}
    <div class="grid">
        <div class="card">
            <div class="card-title">Session</div>
            <div class="stat-row"><span class="stat-label">Network</span><span class="stat-value">{{.Session.NetworkID}}</span></div>
            <div class="stat-row"><span class="stat-label">State</span><span class="stat-value">{{.Session.State}}</span></div>
            <div class="stat-row"><span class="stat-label">Scope</span><span class="stat-value">{{.Session.Scope}}</span></div>
            <div class="stat-row"><span class="stat-label">Started</span><span class="stat-value">{{.Session.StartedAt.Format "2006-01-02 15:04:05"}}</span></div>
            <div class="stat-row"><span class="stat-label">Report</span><span class="stat-value"><a href="/report/{{.Session.ID}}">download</a></span></div>
        </div>
        <div class="card">
            <div class="card-title">Summary</div>
            <div class="stat-row"><span class="stat-label">Targets</span><span class="stat-value">{{.Summary.Targets}}</span></div>
            <div class="stat-row"><span class="stat-label">Done / Failed / Pending</span><span class="stat-value">{{.Summary.Done}} / {{.Summary.Failed}} / {{.Summary.Pending}}</span></div>
            <div class="stat-row"><span class="stat-label">Vulnerabilities</span><span class="stat-value">{{.Summary.Vulns}}</span></div>
            <div class="stat-row"><span class="stat-label">Exploited</span><span class="stat-value">{{.Summary.Exploited}}</span></div>
            <div class="stat-row"><span class="stat-label">Files</span><span class="stat-value">{{.Summary.Files}}</span></div>
        </div>
    </div>

    <div class="card">
        <div class="card-title">Pipeline</div>
        <pre class="mermaid">{{mermaid $.Pipeline}}</pre>
    </div>

    <div class="card">
        <div class="card-title">Targets</div>
        <table>
            <tr><th>MAC</th><th>IP</th><th>Host</th>{{range stages}}<th>{{.}}</th>{{end}}<th>Outcome</th></tr>
            {{range .Targets}}
            {{$t := .}}
            <tr>
                <td>{{.Target.MAC}}</td>
                <td>{{.Target.IP}}</td>
                <td>{{.Target.Hostname}}</td>
                {{range stages}}{{$s := status $t .}}<td class="st-{{$s}}">{{$s}}</td>{{end}}
                <td>{{.Outcome}}</td>
            </tr>
            {{else}}
            <tr><td colspan="9" class="dim">no targets discovered yet</td></tr>
            {{end}}
        </table>
    </div>
    {{else}}
    <div class="card"><div class="card-title">Session</div><span class="dim">no sessions recorded yet</span></div>
    {{end}}

    <div class="card">
        <div class="card-title">Recent Sessions</div>
        <table>
            <tr><th>ID</th><th>Network</th><th>State</th><th>Started</th><th>Done</th></tr>
            {{range .Sessions}}
            <tr>
                <td><a href="/api/sessions/{{.ID}}">{{.ID}}</a></td>
                <td>{{.NetworkID}}</td>
                <td>{{.State}}</td>
                <td>{{.StartedAt.Format "2006-01-02 15:04"}}</td>
                <td>{{.Summary.Done}}/{{.Summary.Targets}}</td>
            </tr>
            {{end}}
        </table>
    </div>
</div>
<script>mermaid.initialize({ startOnLoad: true, theme: 'dark' });</script>
</body>
</html>`

var templateFuncs = template.FuncMap{
	"stages": func() []model.StageName { return model.Pipeline },
	"status": func(t report.TargetReport, s model.StageName) model.StageStatus {
		for _, r := range t.Records {
			if r.Stage == s {
				return r.Status
			}
		}
		return model.StatusPending
	},
	"mermaid": func(v interface{}) string {
		s, _ := v.(string)
		s = strings.TrimPrefix(strings.TrimSpace(s), "```mermaid")
		return strings.TrimSpace(strings.TrimSuffix(s, "```"))
	},
}

func getDashboardTemplate() *template.Template {
	return template.Must(template.New("dashboard").Funcs(templateFuncs).Parse(dashboardHTML))
}
