package visualizer

import (
	"bytes"
	"encoding/json"
	"html/template"
	"os"
	"path/filepath"

	"github.com/athapong/aio-risk/pkg/risk/storage"
	"github.com/pkg/errors"
)

// The HTML template for the risk network view
const d3Template = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>{{.Title}}</title>
    <script src="https://d3js.org/d3.v7.min.js"></script>
    <style>
        body { margin: 0; font-family: Arial, sans-serif; }
        #graph { width: 100%; height: 100vh; background-color: #fafafa; }
        .node { stroke: #333; stroke-width: 1px; }
        .link { stroke: #aaa; stroke-opacity: 0.5; }
        .node-label { font-size: 10px; pointer-events: none; }
        .controls {
            position: absolute; top: 10px; left: 10px;
            background-color: rgba(255,255,255,0.9);
            padding: 10px; border-radius: 5px;
        }
    </style>
</head>
<body>
    <div id="graph"></div>
    <div class="controls">
        <h3>{{.Title}}</h3>
        <p>Entities: {{.NodeCount}}, Links: {{.EdgeCount}}, High risk: {{.HighCount}}</p>
        <label for="type-filter">Entity type:</label>
        <select id="type-filter">
            <option value="all">All</option>
            <option value="INDIVIDUAL">Individuals</option>
            <option value="ORGANIZATION">Organizations</option>
            <option value="LOCATION">Locations</option>
        </select>
    </div>

    <script>
        const graphData = {{.GraphData}};
        const levelColor = { HIGH: "#d62728", MEDIUM: "#ff7f0e", LOW: "#2ca02c" };
        const color = d => levelColor[(d.properties || {}).risk_level] || "#999";
        const radius = d => 6 + 10 * ((d.properties || {}).risk_score || 0);

        const simulation = d3.forceSimulation(graphData.nodes)
            .force("link", d3.forceLink(graphData.edges).id(d => d.id).distance(90))
            .force("charge", d3.forceManyBody().strength(-250))
            .force("center", d3.forceCenter(window.innerWidth / 2, window.innerHeight / 2));

        const svg = d3.select("#graph").append("svg")
            .attr("width", "100%").attr("height", "100%")
            .call(d3.zoom().on("zoom", (event) => g.attr("transform", event.transform)));
        const g = svg.append("g");

        const link = g.append("g").selectAll("line").data(graphData.edges).enter()
            .append("line").attr("class", "link")
            .attr("stroke-width", d => Math.sqrt(d.weight || 1) * 1.5);
        link.append("title").text(d => (d.properties || {}).transaction_id || d.type);

        const node = g.append("g").selectAll("circle").data(graphData.nodes).enter()
            .append("circle").attr("class", "node")
            .attr("r", radius).attr("fill", color)
            .call(d3.drag().on("start", dragstarted).on("drag", dragged).on("end", dragended));
        node.append("title").text(d => d.label + " (" + d.type + ", " + ((d.properties || {}).risk_level || "UNSCORED") + ")");

        const label = g.append("g").selectAll("text").data(graphData.nodes).enter()
            .append("text").attr("class", "node-label")
            .attr("dx", 12).attr("dy", ".35em").text(d => d.label);

        simulation.on("tick", () => {
            link.attr("x1", d => d.source.x).attr("y1", d => d.source.y)
                .attr("x2", d => d.target.x).attr("y2", d => d.target.y);
            node.attr("cx", d => d.x).attr("cy", d => d.y);
            label.attr("x", d => d.x).attr("y", d => d.y);
        });

        d3.select("#type-filter").on("change", function() {
            const t = this.value;
            const shown = d => t === "all" || d.type === t;
            node.style("visibility", d => shown(d) ? "visible" : "hidden");
            label.style("visibility", d => shown(d) ? "visible" : "hidden");
            link.style("visibility", d => shown(d.source) || shown(d.target) ? "visible" : "hidden");
        });

        function dragstarted(event, d) {
            if (!event.active) simulation.alphaTarget(0.3).restart();
            d.fx = d.x; d.fy = d.y;
        }
        function dragged(event, d) { d.fx = event.x; d.fy = event.y; }
        function dragended(event, d) {
            if (!event.active) simulation.alphaTarget(0);
            d.fx = null; d.fy = null;
        }
    </script>
</body>
</html>
`

var page = template.Must(template.New("d3").Parse(d3Template))

// D3Visualizer renders the risk graph as a standalone D3.js page
type D3Visualizer struct {
	outputPath string
	title      string
}

func NewD3Visualizer(outputPath, title string) *D3Visualizer {
	if title == "" {
		title = "Transaction Risk Network"
	}
	return &D3Visualizer{outputPath: outputPath, title: title}
}

// Render writes the page for graph into a byte slice.
func (v *D3Visualizer) Render(graph *storage.GraphData) ([]byte, error) {
	graphData, err := json.Marshal(graph)
	if err != nil {
		return nil, errors.Wrap(err, "marshal graph")
	}

	high := 0
	for _, n := range graph.Nodes {
		if n.Properties["risk_level"] == "HIGH" {
			high++
		}
	}

	data := struct {
		Title     string
		GraphData template.JS
		NodeCount int
		EdgeCount int
		HighCount int
	}{
		Title:     v.title,
		GraphData: template.JS(graphData),
		NodeCount: len(graph.Nodes),
		EdgeCount: len(graph.Edges),
		HighCount: high,
	}

	var buf bytes.Buffer
	if err := page.Execute(&buf, data); err != nil {
		return nil, errors.Wrap(err, "render graph page")
	}
	return buf.Bytes(), nil
}

// Visualize writes the page to the configured output path.
func (v *D3Visualizer) Visualize(graph *storage.GraphData) error {
	if err := os.MkdirAll(filepath.Dir(v.outputPath), 0755); err != nil {
		return err
	}
	out, err := v.Render(graph)
	if err != nil {
		return err
	}
	return os.WriteFile(v.outputPath, out, 0644)
}
