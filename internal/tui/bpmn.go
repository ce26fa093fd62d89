package tui

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// flowNode is one BPMN element worth showing in a text outline.
type flowNode struct {
	Kind string
	ID   string
	Name string
}

var flowNodeKinds = map[string]bool{
	"startEvent":             true,
	"endEvent":               true,
	"intermediateCatchEvent": true,
	"intermediateThrowEvent": true,
	"boundaryEvent":          true,
	"task":                   true,
	"userTask":               true,
	"serviceTask":            true,
	"scriptTask":             true,
	"sendTask":               true,
	"receiveTask":            true,
	"manualTask":             true,
	"businessRuleTask":       true,
	"callActivity":           true,
	"subProcess":             true,
	"exclusiveGateway":       true,
	"parallelGateway":        true,
	"inclusiveGateway":       true,
	"eventBasedGateway":      true,
}

// outlineBpmn lists the flow nodes of a BPMN document in document order
// and counts its sequence flows. Diagram interchange elements are ignored.
func outlineBpmn(document string) ([]flowNode, int, error) {
	decoder := xml.NewDecoder(strings.NewReader(document))
	var nodes []flowNode
	flows := 0
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return nodes, flows, nil
		}
		if err != nil {
			return nodes, flows, err
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local == "sequenceFlow" {
			flows++
			continue
		}
		if !flowNodeKinds[start.Name.Local] {
			continue
		}
		node := flowNode{Kind: start.Name.Local}
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "id":
				node.ID = attr.Value
			case "name":
				node.Name = strings.Join(strings.Fields(attr.Value), " ")
			}
		}
		nodes = append(nodes, node)
	}
}
