package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>RelayCache Roll-up</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --warn: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }

    .bar, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 16px;
    }

    h1 { margin: 0; font-size: 1.5rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .controls {
      display: grid;
      gap: 10px;
      grid-template-columns: 1.4fr 0.6fr 0.6fr 0.5fr;
      margin-top: 12px;
    }

    .controls input, .controls button {
      width: 100%;
      border-radius: 10px;
      border: 1px solid var(--line);
      padding: 9px 10px;
      font: inherit;
    }

    .controls button { background: var(--accent); color: #fff; cursor: pointer; }

    .status { font-size: 0.85rem; color: var(--muted); }
    .status.warn { color: var(--warn); }
    .status.error { color: var(--danger); }

    table { width: 100%; border-collapse: collapse; font-size: 0.92rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    td.num, th.num { text-align: right; font-variant-numeric: tabular-nums; }
    tr.client td { font-weight: 700; background: var(--paper); }
    tr.project td:first-child { padding-left: 22px; }
    tr.collab td:first-child { padding-left: 44px; color: var(--muted); }
    .flag { color: var(--warn); font-size: 0.8rem; margin-left: 6px; }
  </style>
</head>
<body>
  <div class="shell">
    <section class="bar">
      <h1>RelayCache Roll-up</h1>
      <div class="sub">Hours and cost by client, project and collaborator. API: <span id="apiBase"></span></div>
      <div class="controls">
        <input id="token" type="password" placeholder="bearer token (cache:read)" />
        <input id="start" type="date" />
        <input id="end" type="date" />
        <button id="load">Load</button>
      </div>
      <div class="sub"><span id="status" class="status">idle</span></div>
    </section>
    <section class="card">
      <table>
        <thead>
          <tr><th>Name</th><th class="num">Hours</th><th class="num">Value</th><th class="num">Share / Rate</th></tr>
        </thead>
        <tbody id="rows"></tbody>
        <tfoot id="totals"></tfoot>
      </table>
    </section>
  </div>
  <script>
    (function () {
      const dom = {
        apiBase: document.getElementById("apiBase"),
        token: document.getElementById("token"),
        start: document.getElementById("start"),
        end: document.getElementById("end"),
        load: document.getElementById("load"),
        status: document.getElementById("status"),
        rows: document.getElementById("rows"),
        totals: document.getElementById("totals"),
      };
      const money = new Intl.NumberFormat("pt-BR", { style: "currency", currency: "BRL" });
      const hours = (h) => h.toFixed(2);

      function getBase() {
        return window.location.origin;
      }

      function setStatus(text, level) {
        dom.status.textContent = text;
        dom.status.className = "status" + (level ? " " + level : "");
      }

      function cell(text, cls) {
        const td = document.createElement("td");
        td.textContent = text;
        if (cls) td.className = cls;
        return td;
      }

      function row(kind, name, unresolved, h, value, extra) {
        const tr = document.createElement("tr");
        tr.className = kind;
        const first = cell(name);
        if (unresolved) {
          const flag = document.createElement("span");
          flag.className = "flag";
          flag.textContent = "unresolved";
          first.appendChild(flag);
        }
        tr.append(first, cell(hours(h), "num"), cell(money.format(value), "num"), cell(extra, "num"));
        return tr;
      }

      function render(rollup) {
        dom.rows.replaceChildren();
        for (const client of rollup.clients) {
          dom.rows.appendChild(row("client", client.name, client.unresolved, client.hours, client.value, ""));
          for (const project of client.projects) {
            const rate = project.effectiveRate == null ? "n/a" : money.format(project.effectiveRate) + "/h";
            dom.rows.appendChild(row("project", project.name, project.unresolved, project.hours, project.value, rate));
            for (const collab of project.collaborators) {
              dom.rows.appendChild(row("collab", collab.name, collab.unresolved, collab.hours, collab.value, collab.share.toFixed(1) + "%"));
            }
          }
        }
        dom.totals.replaceChildren(row("client", "Total", false, rollup.hours, rollup.value, ""));
      }

      async function refresh() {
        const token = dom.token.value.trim();
        if (!token) {
          setStatus("enter token to start", "warn");
          return;
        }
        window.localStorage.setItem("relaycache_dashboard_token", token);
        const params = new URLSearchParams({ start: dom.start.value, end: dom.end.value });
        setStatus("loading...");
        try {
          const resp = await fetch(getBase() + "/v1/rollup?" + params.toString(), {
            headers: { Authorization: "Bearer " + token },
          });
          const body = await resp.json();
          if (!resp.ok) {
            setStatus(body.message || ("http " + resp.status), "error");
            return;
          }
          render(body.rollup);
          setStatus("generation " + body.rollup.generation + ", " + body.rollup.entries + " entries");
        } catch (err) {
          setStatus(String(err), "error");
        }
      }

      const today = new Date();
      const first = new Date(today.getFullYear(), today.getMonth(), 1);
      dom.start.value = first.toISOString().slice(0, 10);
      dom.end.value = today.toISOString().slice(0, 10);
      dom.token.value = window.localStorage.getItem("relaycache_dashboard_token") || "";
      dom.apiBase.textContent = getBase();
      dom.load.addEventListener("click", refresh);

      if (dom.token.value) {
        refresh();
      } else {
        setStatus("enter token to start", "warn");
      }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
