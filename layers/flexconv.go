// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/flexconv/flex"
	"github.com/gomlx/flexconv/layers/activations"
	"github.com/gomlx/flexconv/layers/initializers"
	"github.com/gomlx/flexconv/types/shapes"
	"github.com/gomlx/flexconv/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// FlexConvConfig is a helper to configure a FlexConvolution (or
// FlexConvolutionTranspose) layer. Set the desired parameters and call
// Build to allocate the layer with its parameter bundle.
//
// In contrast to a traditional convolution, the layer has two bias terms:
// the weight bias used when dynamically synthesizing the weight matrix
// (`[Din, Dout]`), and an optional feature bias added to the output after
// the convolution (`[Dout, 1]`). Both default to zero initialization.
type FlexConvConfig struct {
	op      flex.OpType
	filters int

	kernelInitializer       initializers.Initializer
	positionBiasInitializer initializers.Initializer
	featureBiasInitializer  initializers.Initializer
	useFeatureBias          bool
	activation              activations.Type
	dataFormat              DataFormat
}

// FlexConvolution configures a flex convolution layer producing the given
// number of filters (output channels).
//
// A kernel initializer must be set with KernelInitializer before Build --
// there is no implicit default. The bias initializers default
// to zeros, the feature bias is enabled, the activation is linear and the
// data format is Simple.
func FlexConvolution(filters int) *FlexConvConfig {
	if filters <= 0 {
		exceptions.Panicf("layers.FlexConvolution: number of filters must be > 0, it was set to %d", filters)
	}
	return &FlexConvConfig{
		op:                      flex.OpConvolution,
		filters:                 filters,
		positionBiasInitializer: initializers.Zeros(),
		featureBiasInitializer:  initializers.Zeros(),
		useFeatureBias:          true,
		activation:              activations.TypeNone,
		dataFormat:              Simple,
	}
}

// FlexConvolutionTranspose configures a flex transpose-convolution layer
// producing the given number of filters. It is configured exactly like
// FlexConvolution; only the underlying operator changes.
func FlexConvolutionTranspose(filters int) *FlexConvConfig {
	config := FlexConvolution(filters)
	config.op = flex.OpConvolutionTranspose
	return config
}

// KernelInitializer sets the initializer for the weight basis (the learned
// per-position-dimension weight slices). It must be set before Build.
func (c *FlexConvConfig) KernelInitializer(init initializers.Initializer) *FlexConvConfig {
	c.kernelInitializer = init
	return c
}

// PositionBiasInitializer sets the initializer for the weight bias used
// inside the weight synthesis. The default is zeros.
func (c *FlexConvConfig) PositionBiasInitializer(init initializers.Initializer) *FlexConvConfig {
	c.positionBiasInitializer = init
	return c
}

// FeatureBiasInitializer sets the initializer for the bias added to the
// features after the convolution. The default is zeros.
func (c *FlexConvConfig) FeatureBiasInitializer(init initializers.Initializer) *FlexConvConfig {
	c.featureBiasInitializer = init
	return c
}

// UseFeatureBias sets whether the layer adds a bias to the output features.
// The default is true.
func (c *FlexConvConfig) UseFeatureBias(useBias bool) *FlexConvConfig {
	c.useFeatureBias = useBias
	return c
}

// Activation sets the activation applied to the output (after the feature
// bias, if enabled). The default is activations.TypeNone, a linear
// activation.
func (c *FlexConvConfig) Activation(activation activations.Type) *FlexConvConfig {
	c.activation = activation
	return c
}

// DataFormat sets the tensor layout the layer accepts: Simple (`[B, D, N]`,
// the default) or Expanded (`[B, D, 1, N]`).
func (c *FlexConvConfig) DataFormat(dataFormat DataFormat) *FlexConvConfig {
	c.dataFormat = dataFormat
	return c
}

// Params is the immutable learned-parameter bundle of a flex convolution
// layer. The kernels never mutate it, so it can be shared by concurrent
// Apply calls; a training loop updates it by replacing tensor contents
// between calls.
type Params struct {
	// WeightBasis is `[1, Dp, Din, Dout]`, the per-position-dimension
	// weight slices of the weight synthesis.
	WeightBasis *tensors.Tensor

	// WeightBias is `[Din, Dout]`, added position-independently during
	// weight synthesis.
	WeightBias *tensors.Tensor

	// FeatureBias is `[filters, 1]`, added to the output features. It is
	// nil when the layer is configured with UseFeatureBias(false).
	FeatureBias *tensors.Tensor
}

// FlexConv is a built flex convolution (or transpose-convolution) layer:
// configuration plus its parameter bundle. Create it with
// FlexConvolution(...).Build(...).
type FlexConv struct {
	config        FlexConvConfig
	inputChannels int

	// Params hold the learned parameters; callers own them (e.g. to feed
	// them to an optimizer together with the gradients from the flex
	// kernels).
	Params Params
}

// Build allocates and initializes the parameter bundle for the given
// compute dtype, number of input channels and position dimensions, and
// returns the immutable layer.
func (c *FlexConvConfig) Build(dtype dtypes.DType, inputChannels, positionDims int) *FlexConv {
	if c.kernelInitializer == nil {
		exceptions.Panicf("layers.%s: no kernel initializer configured -- set one explicitly with KernelInitializer, "+
			"there is no implicit default", c.op)
	}
	if inputChannels <= 0 || positionDims <= 0 {
		exceptions.Panicf("layers.%s: inputChannels (%d) and positionDims (%d) must be > 0",
			c.op, inputChannels, positionDims)
	}

	// The transpose operator is the adjoint: it contracts the Dout axis of
	// the weight basis, so its filters sit on the Din axis instead.
	din, dout := inputChannels, c.filters
	if c.op == flex.OpConvolutionTranspose {
		din, dout = c.filters, inputChannels
	}

	layer := &FlexConv{config: *c, inputChannels: inputChannels}
	layer.Params.WeightBasis = tensors.FromShape(shapes.Make(dtype, 1, positionDims, din, dout))
	c.kernelInitializer(layer.Params.WeightBasis)
	layer.Params.WeightBias = tensors.FromShape(shapes.Make(dtype, din, dout))
	c.positionBiasInitializer(layer.Params.WeightBias)
	if c.useFeatureBias {
		layer.Params.FeatureBias = tensors.FromShape(shapes.Make(dtype, c.filters, 1))
		c.featureBiasInitializer(layer.Params.FeatureBias)
	}
	if klog.V(2).Enabled() {
		klog.Infof("layers.%s: %d x %d x %d = %d weights + %d bias, feature_bias=%v\n",
			c.op, positionDims, din, dout, positionDims*din*dout, din*dout, c.useFeatureBias)
	}
	return layer
}

// Apply runs the layer on the (features, positions, neighborhoods) tuple
// and returns the output, shaped like the features with the channel axis
// replaced by the layer's filters.
//
// All three tensors must be given in the layer's configured data format;
// neighborhoods is Int32. Invalid inputs panic before any computation.
func (l *FlexConv) Apply(features, positions, neighborhoods *tensors.Tensor) *tensors.Tensor {
	if features == nil || positions == nil || neighborhoods == nil {
		exceptions.Panicf("layers.%s: must be applied to the full (features, positions, neighborhoods) tuple "+
			"of tensors, got a nil one", l.config.op)
	}
	df := l.config.dataFormat
	features = df.normalize("features", features)
	positions = df.normalize("positions", positions)
	neighborhoods = df.normalize("neighborhoods", neighborhoods)
	if features.Shape().Dimensions[1] != l.inputChannels {
		exceptions.Panicf("layers.%s: layer was built for %d input channels, features have %d (shape %s)",
			l.config.op, l.inputChannels, features.Shape().Dimensions[1], features.Shape())
	}

	var output *tensors.Tensor
	var err error
	switch l.config.op {
	case flex.OpConvolution:
		output, err = flex.Convolution(features, positions, neighborhoods,
			l.Params.WeightBasis, l.Params.WeightBias)
	case flex.OpConvolutionTranspose:
		output, err = flex.ConvolutionTranspose(features, positions, neighborhoods,
			l.Params.WeightBasis, l.Params.WeightBias)
	default:
		exceptions.Panicf("layers.FlexConv: invalid operator %s", l.config.op)
	}
	if err != nil {
		exceptions.Panicf("layers.%s: %+v", l.config.op, err)
	}

	if l.Params.FeatureBias != nil {
		output = addFeatureBias(output, l.Params.FeatureBias)
	}
	output = activations.Apply(l.config.activation, output)
	return df.restore(output)
}
