// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package treeano

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/jagill/treeano/backends"
	"github.com/jagill/treeano/pkg/core/graph"
	"github.com/jagill/treeano/pkg/core/shapes"
	"github.com/jagill/treeano/pkg/core/tensors"
	"github.com/jagill/treeano/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// nodeState holds the data flow of a node, declared in the init-state phase, and the variables it
// created in the computation phase.
type nodeState struct {
	inputs        map[string]ref
	outputAliases map[string]ref
	variables     map[string]*VariableWrapper

	computing, computed bool
}

// compiledCall is a compiled program for one set of outputs, with or without updates.
type compiledCall struct {
	exec    backends.Executable
	outputs []*VariableWrapper
}

// Network is the result of building a tree of nodes: it holds the variables (inputs, outputs,
// parameters) created by the nodes, and calls compiled versions of the graph.
//
// A Network is built exactly once, with Build, and is immutable afterward, except for the values of its
// shared variables, held by its SharedStore. It is not safe for concurrent use.
type Network struct {
	id        uuid.UUID
	root      Node
	store     *SharedStore
	overrides []H

	built    bool
	buildErr error

	nodes    map[string]Node
	order    []Node // Pre-order.
	parents  map[string]Node
	children map[string][]Node
	states   map[string]*nodeState

	variables     map[string]*VariableWrapper
	variableOrder []*VariableWrapper

	g            *graph.Graph
	updates      *UpdateDeltas
	updateValues []graph.Update

	createdShared []string

	backend  backends.Backend
	rng      *rand.Rand
	compiled map[string]*compiledCall
	derived  map[string]*Network
}

// Option configures a Network created with NewNetwork.
type Option func(net *Network)

// WithSharedStore makes the network use (and share) the given store of shared variables.
func WithSharedStore(store *SharedStore) Option {
	return func(net *Network) { net.store = store }
}

// WithOverrides adds network-level hyperparameter override scopes: the last one given has the highest
// priority. Keys can be hyperparameter names, or ScopedKey(node, name) to apply only to the subtree of node.
func WithOverrides(scopes ...H) Option {
	return func(net *Network) {
		for _, scope := range scopes {
			if len(scope) > 0 {
				net.overrides = append(net.overrides, scope)
			}
		}
	}
}

// WithBackend sets the backend used to compile the network. If not set, backends.New() is used on the
// first call.
func WithBackend(backend backends.Backend) Option {
	return func(net *Network) { net.backend = backend }
}

// WithSeed sets the seed of the random number generator used by initializers.
func WithSeed(seed uint64) Option {
	return func(net *Network) { net.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// NewNetwork creates a network for the tree rooted at root. It must be built with Build before use.
func NewNetwork(root Node, options ...Option) *Network {
	net := &Network{
		id:        uuid.New(),
		root:      root,
		nodes:     make(map[string]Node),
		parents:   make(map[string]Node),
		children:  make(map[string][]Node),
		states:    make(map[string]*nodeState),
		variables: make(map[string]*VariableWrapper),
		updates:   NewUpdateDeltas(),
		compiled:  make(map[string]*compiledCall),
		derived:   make(map[string]*Network),
	}
	for _, option := range options {
		option(net)
	}
	if net.store == nil {
		net.store = NewSharedStore()
	}
	if net.rng == nil {
		net.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	net.g = graph.NewGraph(root.Name())
	return net
}

// Build creates and builds a network for the tree rooted at root.
func Build(root Node, options ...Option) (*Network, error) {
	net := NewNetwork(root, options...)
	if err := net.Build(); err != nil {
		return nil, err
	}
	return net, nil
}

// ID returns the unique identifier of the network, used in logs and summaries.
func (net *Network) ID() uuid.UUID { return net.id }

// Root returns the root node.
func (net *Network) Root() Node { return net.root }

// SharedStore returns the store with the values of the shared variables.
func (net *Network) SharedStore() *SharedStore { return net.store }

// Overrides returns the network-level hyperparameter override scopes, the last one has highest priority.
func (net *Network) Overrides() []H { return net.overrides }

// Graph returns the computation graph of the network.
func (net *Network) Graph() *graph.Graph { return net.g }

// Updates returns the merged update deltas of all nodes.
func (net *Network) Updates() *UpdateDeltas { return net.updates }

// IsBuilt returns whether the network has been successfully built.
func (net *Network) IsBuilt() bool { return net.built && net.buildErr == nil }

// Node returns the node with the given name, or nil if not found.
func (net *Network) Node(name string) Node { return net.nodes[name] }

// Nodes returns all nodes in the tree, in pre-order.
func (net *Network) Nodes() []Node { return net.order }

// Parent returns the parent of the node, or nil for the root.
func (net *Network) Parent(node Node) Node { return net.parents[node.Name()] }

// Children returns the children of the node, as expanded in the architecture phase.
func (net *Network) Children(node Node) []Node { return net.children[node.Name()] }

// scopeChain returns the node followed by its ancestors up to the root.
func (net *Network) scopeChain(node Node) []Node {
	chain := []Node{node}
	for parent := net.parents[node.Name()]; parent != nil; parent = net.parents[parent.Name()] {
		chain = append(chain, parent)
	}
	return chain
}

func (net *Network) state(name string) *nodeState {
	st, found := net.states[name]
	if !found {
		panicConstructionf(name, "node not found in the network")
	}
	return st
}

func (net *Network) checkChild(parent, child Node) {
	if net.parents[child.Name()] != parent {
		panicConstructionf(parent.Name(), "%q is not one of its children", child.Name())
	}
}

// Build the network: expand the architecture of the tree, declare the data flow, compute the variables of
// all nodes and merge their update deltas. It can only be called once: a network that failed to build can't
// be used, and its nodes, variables and the shared variables it created are discarded.
func (net *Network) Build() error {
	if net.built {
		return errors.WithStack(&ConstructionError{Node: net.root.Name(), Reason: "network already built"})
	}
	net.built = true
	net.buildErr = exceptions.TryCatch[error](net.build)
	if net.buildErr != nil {
		net.discardPartialBuild()
		return errors.WithMessagef(net.buildErr, "failed to build network %q (%s)", net.root.Name(), net.id)
	}
	klog.V(1).Infof("treeano: built network %q (%s): %d nodes, %d variables, %d update deltas",
		net.root.Name(), net.id, len(net.order), len(net.variableOrder), net.updates.Len())
	return nil
}

func (net *Network) build() {
	net.registerArchitecture(net.root, nil)
	for _, node := range net.order {
		state := &InitState{net: net, node: node}
		if initer, ok := node.(StateIniter); ok {
			initer.InitState(net, state)
		} else {
			defaultInitState(net, state)
		}
	}
	for _, node := range net.order {
		net.compute(node)
	}
	for _, node := range net.order {
		provider, ok := node.(UpdateDeltasProvider)
		if !ok {
			continue
		}
		deltas := provider.NewUpdateDeltas(net)
		merged, err := net.updates.Merge(deltas)
		if err != nil {
			panic(errors.WithMessagef(err, "merging update deltas of node %q", node.Name()))
		}
		net.updates = merged
	}
	for _, v := range net.updates.Variables() {
		net.updateValues = append(net.updateValues, graph.Update{
			Variable: v.SharedVariable(),
			Value:    graph.Add(v.Node(), net.updates.Get(v)),
		})
	}
}

// discardPartialBuild drops what a failed build registered, including the shared variables it created in
// the store.
func (net *Network) discardPartialBuild() {
	net.store.remove(net.createdShared...)
	net.createdShared = nil
	net.nodes = make(map[string]Node)
	net.order = nil
	net.parents = make(map[string]Node)
	net.children = make(map[string][]Node)
	net.states = make(map[string]*nodeState)
	net.variables = make(map[string]*VariableWrapper)
	net.variableOrder = nil
	net.updates = NewUpdateDeltas()
	net.updateValues = nil
}

// registerArchitecture registers the node and, recursively, the children from its architecture.
func (net *Network) registerArchitecture(node, parent Node) {
	name := node.Name()
	if name == "" {
		parentName := "<root>"
		if parent != nil {
			parentName = parent.Name()
		}
		panicConstructionf(parentName, "child node (%T) with an empty name", node)
	}
	if strings.ContainsAny(name, ":/") {
		panicConstructionf(name, "node names can't contain ':' or '/'")
	}
	if _, found := net.nodes[name]; found {
		panicConstructionf(name, "duplicate node name")
	}
	validateHyperparameters(node)
	net.nodes[name] = node
	net.order = append(net.order, node)
	net.parents[name] = parent
	net.states[name] = &nodeState{
		inputs:        make(map[string]ref),
		outputAliases: make(map[string]ref),
		variables:     make(map[string]*VariableWrapper),
	}
	var children []Node
	if childrener, ok := node.(ArchitectureChildrener); ok {
		children = childrener.ArchitectureChildren()
	}
	net.children[name] = children
	for _, child := range children {
		net.registerArchitecture(child, node)
	}
}

// defaultInitState forwards the node's input to all its children, and takes the output of the last one.
func defaultInitState(net *Network, state *InitState) {
	children := net.Children(state.node)
	for _, child := range children {
		state.ForwardInput(child)
	}
	if len(children) > 0 {
		state.TakeOutput(children[len(children)-1])
	}
}

// compute computes the children of the node, then its input dependencies, then the node itself.
func (net *Network) compute(node Node) {
	st := net.state(node.Name())
	if st.computed {
		return
	}
	if st.computing {
		panicConstructionf(node.Name(), "cycle in data dependencies")
	}
	st.computing = true
	for _, child := range net.children[node.Name()] {
		net.compute(child)
	}
	inputs := make(map[string]*VariableWrapper, len(st.inputs))
	keys := make([]string, 0, len(st.inputs))
	for key := range st.inputs {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		inputs[key] = net.resolveRef(node, st.inputs[key])
	}
	if computer, ok := node.(OutputComputer); ok {
		computer.ComputeOutput(net, inputs)
	}
	st.computing = false
	st.computed = true
}

// resolveRef returns the variable a reference points to, computing its node if needed.
func (net *Network) resolveRef(from Node, r ref) *VariableWrapper {
	for range len(net.order) + 1 {
		target, found := net.nodes[r.node]
		if !found {
			panicConstructionf(from.Name(), "input from unknown node %q", r.node)
		}
		net.compute(target)
		st := net.states[r.node]
		if v, found := st.variables[r.key]; found {
			return v
		}
		alias, found := st.outputAliases[r.key]
		if !found {
			panicConstructionf(from.Name(), "node %q has no output %q", r.node, r.key)
		}
		r = alias
	}
	panicConstructionf(from.Name(), "cycle in output aliases of %s", r)
	return nil
}

// Input returns the input with the given key, or it panics with a ConstructionError if the node has no such
// input. To be used in OutputComputer.ComputeOutput implementations.
func Input(node Node, inputs map[string]*VariableWrapper, key string) *VariableWrapper {
	v, found := inputs[key]
	if !found {
		panicConstructionf(node.Name(), "missing input %q", key)
	}
	return v
}

// Output returns the node's "default" output, computing the node if needed. It is meant to be used during
// Build, e.g. by UpdateDeltasProvider implementations, and it panics with a ConstructionError if the node
// has no output.
func (net *Network) Output(node Node) *VariableWrapper {
	return net.resolveRef(node, ref{node: node.Name(), key: DefaultKey})
}

// CreateVariable creates a variable owned by the node, named "<node>:<key>" unless spec.Name is given.
//
// Shared variables with the same name are created only once: the following calls return the same
// *VariableWrapper (or a ShapeError if the shape differs). Their values are taken from the SharedStore
// if they exist there, otherwise they are initialized with the first applicable initializer of spec.Inits,
// or zeros if none applies.
//
// Creating a non-shared variable with an existing name is a ConstructionError.
func (net *Network) CreateVariable(node Node, key string, spec VariableSpec) *VariableWrapper {
	if key == "" {
		panicConstructionf(node.Name(), "variable with empty key")
	}
	name := spec.Name
	if name == "" {
		name = node.Name() + ":" + key
	}
	st := net.state(node.Name())
	shape := spec.Shape
	if !shape.Ok() {
		if spec.Value == nil {
			panicConstructionf(node.Name(), "variable %q has neither a shape nor a value", name)
		}
		shape = spec.Value.Shape()
	}
	if existing, found := net.variables[name]; found {
		if !spec.Shared || !existing.IsShared() {
			panicConstructionf(node.Name(), "variable %q already created by node %q", name, existing.Owner())
		}
		if !existing.Shape().Equal(shape) {
			shapes.PanicShapeError(name, existing.Shape(), shape, "shared variable created by node %q with a different shape",
				node.Name())
		}
		st.variables[key] = existing
		return existing
	}
	if _, found := st.variables[key]; found {
		panicConstructionf(node.Name(), "variable key %q used twice", key)
	}

	vw := &VariableWrapper{
		name:  name,
		key:   key,
		owner: node.Name(),
		shape: shape,
		tags:  sets.MakeWith(spec.Tags...),
		inits: spec.Inits,
	}
	switch {
	case spec.Shared:
		if !shape.IsKnown() {
			shapes.PanicShapeError(name, "fully known shape", shape, "shared variables can't have unknown dimensions")
		}
		sv, created := net.store.getOrCreate(name, shape, func() *tensors.Tensor { return net.initialize(vw) })
		if created {
			net.createdShared = append(net.createdShared, name)
			klog.V(2).Infof("treeano: initialized shared variable %s", vw)
		}
		vw.shared = sv
		vw.node = net.g.Shared(sv)
	case spec.Value != nil:
		if !spec.Value.Shape().Compatible(shape) {
			shapes.PanicShapeError(name, shape, spec.Value.Shape(), "value of variable created by node %q", node.Name())
		}
		vw.node = spec.Value
	case vw.tags.Has(TagInput):
		vw.node = net.g.Parameter(name, shape)
	default:
		panicConstructionf(node.Name(), "non-shared variable %q without a value", name)
	}
	net.variables[name] = vw
	net.variableOrder = append(net.variableOrder, vw)
	st.variables[key] = vw
	return vw
}

// CreateOutput creates the node's "default" output variable with the given value, tagged as output.
func (net *Network) CreateOutput(node Node, value *graph.Node, tags ...string) *VariableWrapper {
	return net.CreateVariable(node, DefaultKey, VariableSpec{
		Value: value,
		Tags:  append([]string{TagOutput}, tags...),
	})
}

// initialize returns the initial value of the shared variable, given by the first applicable initializer.
func (net *Network) initialize(vw *VariableWrapper) *tensors.Tensor {
	for _, init := range vw.inits {
		if init.Applies(vw) {
			value := init.Initialize(vw, net.rng)
			if !value.Shape().Equal(vw.shape) {
				shapes.PanicShapeError(vw.name, vw.shape, value.Shape(), "initializer %v returned a value with the wrong shape", init)
			}
			return value
		}
	}
	return tensors.FromShape(vw.shape)
}

// Variable returns the variable with the given full name, or nil if not found.
func (net *Network) Variable(name string) *VariableWrapper { return net.variables[name] }

// NodeVariable returns the variable created by the node with the given key, or nil if not found.
func (net *Network) NodeVariable(node Node, key string) *VariableWrapper {
	st, found := net.states[node.Name()]
	if !found {
		return nil
	}
	return st.variables[key]
}

// Variables returns all variables, in creation order.
func (net *Network) Variables() []*VariableWrapper { return net.variableOrder }

// VariablesWithTags returns the variables with all the given tags, in creation order.
func (net *Network) VariablesWithTags(tags ...string) []*VariableWrapper {
	var result []*VariableWrapper
	for _, v := range net.variableOrder {
		if v.tags.HasAll(tags...) {
			result = append(result, v)
		}
	}
	return result
}

// SubtreeVariablesWithTags returns the variables created by node or its descendants with all the given tags,
// in creation order. Shared variables are listed once even if created by multiple nodes.
func (net *Network) SubtreeVariablesWithTags(node Node, tags ...string) []*VariableWrapper {
	subtree := sets.Make[string]()
	var visit func(n Node)
	visit = func(n Node) {
		subtree.Insert(n.Name())
		for _, child := range net.children[n.Name()] {
			visit(child)
		}
	}
	visit(node)
	seen := sets.Make[*VariableWrapper]()
	var result []*VariableWrapper
	for _, n := range net.order {
		if !subtree.Has(n.Name()) {
			continue
		}
		for _, v := range net.states[n.Name()].variables {
			if v.tags.HasAll(tags...) && !seen.Has(v) {
				seen.Insert(v)
				result = append(result, v)
			}
		}
	}
	slices.SortStableFunc(result, func(a, b *VariableWrapper) int {
		return slices.Index(net.variableOrder, a) - slices.Index(net.variableOrder, b)
	})
	return result
}

// ResolveVariable returns the variable with the given name, which can be either a variable's full name
// (e.g. "dense:W") or a node name, for the node's output.
func (net *Network) ResolveVariable(name string) (vw *VariableWrapper, err error) {
	if !net.IsBuilt() {
		return nil, errors.Errorf("network %q not built", net.root.Name())
	}
	if v, found := net.variables[name]; found {
		return v, nil
	}
	r := ref{node: name, key: DefaultKey}
	if nodeName, key, found := strings.Cut(name, ":"); found {
		r = ref{node: nodeName, key: key}
	}
	if _, found := net.nodes[r.node]; !found {
		return nil, errors.Errorf("network %q has no variable or node named %q", net.root.Name(), name)
	}
	err = exceptions.TryCatch[error](func() { vw = net.resolveRef(net.nodes[r.node], r) })
	if err != nil {
		return nil, errors.WithMessagef(err, "resolving variable %q", name)
	}
	return vw, nil
}

// Derived returns the network built from the same tree and sharing the same SharedStore, with the
// additional override scope. Derived networks are built once per distinct set of overrides and cached.
func (net *Network) Derived(overrides H) (*Network, error) {
	if !net.IsBuilt() {
		return nil, errors.Errorf("network %q not built", net.root.Name())
	}
	if len(overrides) == 0 {
		return net, nil
	}
	key := FormatOverrides(overrides)
	if derived, found := net.derived[key]; found {
		return derived, nil
	}
	derived := NewNetwork(net.root, WithSharedStore(net.store), WithOverrides(net.overrides...),
		WithOverrides(overrides), WithBackend(net.backend))
	derived.rng = net.rng
	if err := derived.Build(); err != nil {
		return nil, errors.WithMessagef(err, "building network with overrides %s", key)
	}
	klog.V(1).Infof("treeano: network %q derived with overrides %s", net.root.Name(), key)
	net.derived[key] = derived
	return derived, nil
}

func (net *Network) getBackend() (backends.Backend, error) {
	if net.backend == nil {
		backend, err := backends.New()
		if err != nil {
			return nil, err
		}
		net.backend = backend
	}
	return net.backend, nil
}

// Call executes the network: inputs and outputs are given by variable full names or node names (see
// ResolveVariable). If includeUpdates is true, the update deltas are applied to the shared variables after
// the outputs are computed.
//
// If overrides is not empty, the call is executed by the derived network for those overrides (see Derived).
// Programs are compiled once per (overrides, outputs, includeUpdates), and cached.
func (net *Network) Call(overrides H, inputs map[string]*tensors.Tensor, outputs []string, includeUpdates bool) (map[string]*tensors.Tensor, error) {
	if !net.IsBuilt() {
		return nil, errors.Errorf("network %q not built", net.root.Name())
	}
	if len(overrides) > 0 {
		derived, err := net.Derived(overrides)
		if err != nil {
			return nil, err
		}
		return derived.Call(nil, inputs, outputs, includeUpdates)
	}
	compiled, err := net.compile(outputs, includeUpdates)
	if err != nil {
		return nil, err
	}
	feed := make(map[string]*tensors.Tensor, len(inputs))
	for name, value := range inputs {
		v, err := net.ResolveVariable(name)
		if err != nil {
			return nil, err
		}
		if v.Node().Type() != graph.NodeTypeParameter {
			return nil, errors.Errorf("variable %q (given as %q) is not an input of network %q", v.Name(), name, net.root.Name())
		}
		feed[v.Name()] = value
	}
	results, err := compiled.exec.Execute(feed)
	if err != nil {
		return nil, errors.WithMessagef(err, "calling network %q", net.root.Name())
	}
	values := make(map[string]*tensors.Tensor, len(outputs))
	for ii, name := range outputs {
		values[name] = results[ii]
	}
	return values, nil
}

func (net *Network) compile(outputs []string, includeUpdates bool) (*compiledCall, error) {
	key := fmt.Sprintf("%s|updates=%v", strings.Join(outputs, ","), includeUpdates)
	if compiled, found := net.compiled[key]; found {
		return compiled, nil
	}
	compiled := &compiledCall{}
	nodes := make([]*graph.Node, len(outputs))
	for ii, name := range outputs {
		v, err := net.ResolveVariable(name)
		if err != nil {
			return nil, err
		}
		compiled.outputs = append(compiled.outputs, v)
		nodes[ii] = v.Node()
	}
	var updates []graph.Update
	if includeUpdates {
		updates = net.updateValues
	}
	var program *graph.Program
	err := exceptions.TryCatch[error](func() { program = graph.NewProgram(net.g, nodes, updates) })
	if err != nil {
		return nil, errors.WithMessagef(err, "creating program for network %q", net.root.Name())
	}
	backend, err := net.getBackend()
	if err != nil {
		return nil, err
	}
	compiled.exec, err = backend.Compile(program)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling network %q with backend %q", net.root.Name(), backend.Name())
	}
	klog.V(1).Infof("treeano: compiled network %q (%s) for outputs [%s], updates=%v", net.root.Name(), net.id,
		strings.Join(outputs, ", "), includeUpdates)
	net.compiled[key] = compiled
	return compiled, nil
}
