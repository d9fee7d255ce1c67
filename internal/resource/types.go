package resource

import (
	"path"
	"strings"
)

// BlockType is the 4-character tag of a block.
type BlockType string

const (
	BlockRERL BlockType = "RERL"
	BlockREDI BlockType = "REDI"
	BlockRED2 BlockType = "RED2"
	BlockNTRO BlockType = "NTRO"
	BlockDATA BlockType = "DATA"
	BlockVBIB BlockType = "VBIB"
	BlockMBUF BlockType = "MBUF"
	BlockMDAT BlockType = "MDAT"
	BlockANIM BlockType = "ANIM"
	BlockASEQ BlockType = "ASEQ"
	BlockAGRP BlockType = "AGRP"
	BlockPHYS BlockType = "PHYS"
	BlockCTRL BlockType = "CTRL"
	BlockMRPH BlockType = "MRPH"
	BlockINSG BlockType = "INSG"
	BlockSNAP BlockType = "SNAP"
	BlockLaCo BlockType = "LaCo"
	BlockSTAT BlockType = "STAT"
	BlockFLCI BlockType = "FLCI"
	BlockDSTF BlockType = "DSTF"
	BlockTEXR BlockType = "TEXR"
)

func blockTypeFromTag(tag [4]byte) BlockType {
	return BlockType(tag[:])
}

func (t BlockType) tag() [4]byte {
	var tag [4]byte
	copy(tag[:], t)
	return tag
}

// ResourceType is the kind of a compiled resource. The container carries no
// explicit kind, so it is inferred from the blocks.
type ResourceType int

const (
	TypeUnknown ResourceType = iota
	TypeTexture
	TypeMaterial
	TypeMesh
	TypeModel
	TypeMap
	TypeWorldNode
	TypeWorld
	TypeParticle
	TypeAnimationGroup
	TypeSequence
	TypeSoundEventScript
	TypeSoundStackScript
	TypePhysicsCollisionMesh
	TypePostProcessing
	TypeEntityLump
	TypePanorama
	TypeResourceManifest
	TypeWorldVisibility
	TypeMorph
	TypeSmartProp
)

var resourceTypeNames = map[ResourceType]string{
	TypeUnknown:              "unknown",
	TypeTexture:              "texture",
	TypeMaterial:             "material",
	TypeMesh:                 "mesh",
	TypeModel:                "model",
	TypeMap:                  "map",
	TypeWorldNode:            "world_node",
	TypeWorld:                "world",
	TypeParticle:             "particle",
	TypeAnimationGroup:       "animation_group",
	TypeSequence:             "sequence",
	TypeSoundEventScript:     "sound_event_script",
	TypeSoundStackScript:     "sound_stack_script",
	TypePhysicsCollisionMesh: "physics_collision_mesh",
	TypePostProcessing:       "post_processing",
	TypeEntityLump:           "entity_lump",
	TypePanorama:             "panorama",
	TypeResourceManifest:     "resource_manifest",
	TypeWorldVisibility:      "world_visibility",
	TypeMorph:                "morph",
	TypeSmartProp:            "smart_prop",
}

func (t ResourceType) String() string {
	if name, ok := resourceTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// extensionTypes is the last-resort mapping from compiled file extensions.
var extensionTypes = map[string]ResourceType{
	"vtex_c":     TypeTexture,
	"vmat_c":     TypeMaterial,
	"vmesh_c":    TypeMesh,
	"vmdl_c":     TypeModel,
	"vmap_c":     TypeMap,
	"vwnod_c":    TypeWorldNode,
	"vwrld_c":    TypeWorld,
	"vpcf_c":     TypeParticle,
	"vagrp_c":    TypeAnimationGroup,
	"vseq_c":     TypeSequence,
	"vsndevts_c": TypeSoundEventScript,
	"vsndstck_c": TypeSoundStackScript,
	"vphys_c":    TypePhysicsCollisionMesh,
	"vpost_c":    TypePostProcessing,
	"vents_c":    TypeEntityLump,
	"vxml_c":     TypePanorama,
	"vcss_c":     TypePanorama,
	"vjs_c":      TypePanorama,
	"vpdi_c":     TypePanorama,
	"vrman_c":    TypeResourceManifest,
	"vvis_c":     TypeWorldVisibility,
	"vmorf_c":    TypeMorph,
	"vsmart_c":   TypeSmartProp,
}

// classTypes maps an NTRO root struct name or a KV3 root _class to a type.
var classTypes = map[string]ResourceType{
	"MaterialResourceData_t":       TypeMaterial,
	"PermModelData_t":              TypeModel,
	"CModelData":                   TypeModel,
	"VMapResourceData_t":           TypeMap,
	"WorldNode_t":                  TypeWorldNode,
	"World_t":                      TypeWorld,
	"CParticleSystemDefinition":    TypeParticle,
	"AnimationGroupResourceData_t": TypeAnimationGroup,
	"SequenceGroupResourceData_t":  TypeSequence,
	"VPhysXAggregateData_t":        TypePhysicsCollisionMesh,
	"PostProcessingResource_t":     TypePostProcessing,
	"CPostProcessingResource":      TypePostProcessing,
	"EntityLump_t":                 TypeEntityLump,
	"CEntityLump":                  TypeEntityLump,
	"ResourceManifest_t":           TypeResourceManifest,
	"VisibilityData_t":             TypeWorldVisibility,
	"MorphSetData_t":               TypeMorph,
	"CMorphSetData":                TypeMorph,
	"CSmartPropRoot":               TypeSmartProp,
}

// typeFromLayout infers the type from which blocks are present.
func typeFromLayout(has func(BlockType) bool) ResourceType {
	switch {
	case has(BlockVBIB) || has(BlockMBUF):
		return TypeMesh
	case has(BlockMDAT):
		return TypeModel
	case has(BlockANIM) && has(BlockAGRP):
		return TypeAnimationGroup
	case has(BlockASEQ):
		return TypeSequence
	case has(BlockMRPH):
		return TypeMorph
	case has(BlockTEXR):
		return TypeTexture
	}
	return TypeUnknown
}

// typeFromFileName maps a compiled file extension such as "vtex_c".
func typeFromFileName(name string) ResourceType {
	ext := strings.TrimPrefix(path.Ext(strings.ToLower(name)), ".")
	return extensionTypes[ext]
}
